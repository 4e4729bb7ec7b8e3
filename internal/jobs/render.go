package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/yaml"

	"github.com/me/etlorch/internal/config"
	"github.com/me/etlorch/internal/partition"
	"github.com/me/etlorch/pkg/model"
)

// Template file names looked up in JobsConfig.TemplateDir.
const (
	ExtractionTemplate = "extraction-job.yaml"
	LoadingTemplate    = "loading-job.yaml"
)

// ExtractionSpec describes one extraction job.
type ExtractionSpec struct {
	PipelineID string
	RunID      string
	Table      string
	Partition  int
	PrimaryKey string
	Scheme     partition.Scheme
	Attempt    int
}

// LoadSpec describes one load job.
type LoadSpec struct {
	PipelineID       string
	RunID            string
	Table            string
	DestinationTable string
	Partition        int
	Attempt          int
}

// Renderer turns job specs into batch/v1 Jobs.
type Renderer struct {
	cfg       config.JobsConfig
	namespace string
	createdBy string
	// shared is passed to every container, e.g. bucket and warehouse names.
	shared    map[string]string
	templates map[model.Stage][]byte
	now       func() time.Time
}

// NewRenderer loads optional YAML templates from cfg.TemplateDir. A missing
// template file falls back to the built-in job shape.
func NewRenderer(cfg config.JobsConfig, namespace, createdBy string, shared map[string]string) (*Renderer, error) {
	r := &Renderer{
		cfg:       cfg,
		namespace: namespace,
		createdBy: createdBy,
		shared:    shared,
		templates: make(map[model.Stage][]byte),
		now:       time.Now,
	}
	if cfg.TemplateDir == "" {
		return r, nil
	}
	for stage, file := range map[model.Stage]string{model.StageExtract: ExtractionTemplate, model.StageLoad: LoadingTemplate} {
		data, err := os.ReadFile(filepath.Join(cfg.TemplateDir, file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read job template %s: %w", file, err)
		}
		r.templates[stage] = data
	}
	return r, nil
}

// Extraction renders the job for one partition.
func (r *Renderer) Extraction(s ExtractionSpec) (*batchv1.Job, error) {
	lower := ""
	if s.Scheme.After != nil {
		lower = strconv.FormatInt(*s.Scheme.After, 10)
	}
	env := map[string]string{
		model.EnvTableName:       s.Table,
		model.EnvPipelineID:      s.PipelineID,
		model.EnvRunID:           s.RunID,
		model.EnvPartitionID:     strconv.Itoa(s.Partition),
		model.EnvTotalPartitions: strconv.Itoa(s.Scheme.Total),
		model.EnvPrimaryKey:      s.PrimaryKey,
		model.EnvPrimaryKeyVal:   lower,
		model.EnvKeyMode:         string(s.Scheme.Mode),
		model.EnvMinKey:          strconv.FormatInt(s.Scheme.Min, 10),
		model.EnvMaxKey:          strconv.FormatInt(s.Scheme.Max, 10),
		model.EnvKeyEmpty:        strconv.FormatBool(s.Scheme.Empty),
	}
	lbls := r.labels(model.StageExtract, s.Table, s.PipelineID, s.Partition, s.Attempt)
	lbls[LabelPrimaryKeyVal] = LabelValue(lower)
	name := jobName("extract", s.Table, r.suffix(s.Partition, s.Attempt))
	return r.render(model.StageExtract, name, lbls, env, "extract")
}

// Load renders the job for one staged partition group.
func (r *Renderer) Load(s LoadSpec) (*batchv1.Job, error) {
	env := map[string]string{
		model.EnvTableName:        s.Table,
		model.EnvPipelineID:       s.PipelineID,
		model.EnvRunID:            s.RunID,
		model.EnvPartitionID:      strconv.Itoa(s.Partition),
		model.EnvDestinationTable: s.DestinationTable,
		model.EnvDataDir:          s.Table + "/" + strconv.Itoa(s.Partition),
	}
	lbls := r.labels(model.StageLoad, s.Table, s.PipelineID, s.Partition, s.Attempt)
	name := jobName("load", s.Table, r.suffix(s.Partition, s.Attempt))
	return r.render(model.StageLoad, name, lbls, env, "load")
}

func (r *Renderer) suffix(partition, attempt int) string {
	s := strconv.Itoa(partition)
	if attempt > 0 {
		s += "-r" + strconv.Itoa(attempt)
	}
	return s + "-" + strconv.FormatInt(r.now().Unix(), 10)
}

func (r *Renderer) labels(stage model.Stage, table, pipelineID string, partition, attempt int) map[string]string {
	return map[string]string{
		LabelApp:       stage.App(),
		LabelTable:     LabelValue(table),
		LabelCreatedBy: LabelValue(r.createdBy),
		LabelPipeline:  LabelValue(pipelineID),
		LabelPartition: strconv.Itoa(partition),
		LabelAttempt:   strconv.Itoa(attempt),
	}
}

func (r *Renderer) render(stage model.Stage, name string, lbls, env map[string]string, subcommand string) (*batchv1.Job, error) {
	all := make(map[string]string, len(r.shared)+len(env))
	for k, v := range r.shared {
		all[k] = v
	}
	for k, v := range env {
		all[k] = v
	}

	var job *batchv1.Job
	if tmpl, ok := r.templates[stage]; ok {
		var err error
		if job, err = decodeTemplate(tmpl, all); err != nil {
			return nil, fmt.Errorf("render %s template: %w", stage, err)
		}
	} else {
		job = r.builtin(stage, subcommand)
	}

	job.Name = name
	job.Namespace = r.namespace
	job.Labels = mergeLabels(job.Labels, lbls)
	job.Spec.Template.Labels = mergeLabels(job.Spec.Template.Labels, lbls)
	if job.Spec.BackoffLimit == nil {
		limit := r.cfg.BackoffLimit
		job.Spec.BackoffLimit = &limit
	}
	if job.Spec.Template.Spec.RestartPolicy == "" {
		job.Spec.Template.Spec.RestartPolicy = corev1.RestartPolicyNever
	}
	envVars := sortedEnv(all)
	for i := range job.Spec.Template.Spec.Containers {
		c := &job.Spec.Template.Spec.Containers[i]
		c.Env = mergeEnv(c.Env, envVars)
	}
	return job, nil
}

func (r *Renderer) builtin(stage model.Stage, subcommand string) *batchv1.Job {
	container := corev1.Container{
		Name:            string(stage),
		Image:           r.cfg.Image,
		ImagePullPolicy: corev1.PullPolicy(r.cfg.ImagePullPolicy),
		Command:         append([]string(nil), r.cfg.Command...),
		Args:            []string{subcommand},
	}
	if r.cfg.SecretName != "" {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: r.cfg.SecretName}},
		}}
	}
	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					ServiceAccountName: r.cfg.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
}

// decodeTemplate substitutes ${VAR} references and decodes the YAML. Unknown
// variables are left as written.
func decodeTemplate(tmpl []byte, vars map[string]string) (*batchv1.Job, error) {
	expanded := os.Expand(string(tmpl), func(k string) string {
		if v, ok := vars[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
	var job batchv1.Job
	dec := yaml.NewYAMLOrJSONDecoder(bytes.NewReader([]byte(expanded)), 4096)
	if err := dec.Decode(&job); err != nil {
		return nil, err
	}
	if len(job.Spec.Template.Spec.Containers) == 0 {
		return nil, errors.New("template has no containers")
	}
	return &job, nil
}

func mergeLabels(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func sortedEnv(m map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, len(keys))
	for i, k := range keys {
		out[i] = corev1.EnvVar{Name: k, Value: m[k]}
	}
	return out
}

// mergeEnv replaces existing variables of the same name and appends the rest.
func mergeEnv(existing, add []corev1.EnvVar) []corev1.EnvVar {
	idx := make(map[string]int, len(existing))
	for i, e := range existing {
		idx[e.Name] = i
	}
	for _, e := range add {
		if i, ok := idx[e.Name]; ok {
			existing[i] = e
			continue
		}
		existing = append(existing, e)
	}
	return existing
}
