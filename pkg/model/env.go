package model

// Environment variables passed from the controller to job containers.
const (
	EnvTableName        = "TABLE_NAME"
	EnvPipelineID       = "PIPELINE_ID"
	EnvRunID            = "RUN_ID"
	EnvPartitionID      = "PARTITION_ID"
	EnvTotalPartitions  = "TOTAL_PARTITIONS"
	EnvPrimaryKey       = "PRIMARY_KEY"
	EnvPrimaryKeyVal    = "PRIMARY_KEY_VAL" // incremental watermark, empty for full refresh
	EnvKeyMode          = "KEY_MODE"
	EnvMinKey           = "MIN_KEY"
	EnvMaxKey           = "MAX_KEY"
	EnvKeyEmpty         = "KEY_EMPTY"
	EnvDestinationTable = "DESTINATION_TABLE"
	EnvDataDir          = "DATA_DIR"
)
