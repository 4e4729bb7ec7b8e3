package load

import "github.com/me/etlorch/internal/columnar"

// TextType is the warehouse type every staged column lands as.
const TextType = "STRING"

var targetTypes = map[columnar.Kind]string{
	columnar.KindString:    TextType,
	columnar.KindInteger:   TextType,
	columnar.KindFloat:     TextType,
	columnar.KindBoolean:   TextType,
	columnar.KindTimestamp: TextType,
	columnar.KindDate:      TextType,
	columnar.KindBinary:    TextType,
	columnar.KindList:      TextType,
	columnar.KindRecord:    TextType,
}

// TargetType maps a staged column kind to its warehouse type. Staged data is
// always text, so the mapping is total and collapses to TextType.
func TargetType(k columnar.Kind) string {
	if t, ok := targetTypes[k]; ok {
		return t
	}
	return TextType
}

// TargetSchema converts staged fields to nullable warehouse columns.
func TargetSchema(fields []columnar.Field) []Column {
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: f.Name, Type: TargetType(f.Kind)}
	}
	return cols
}
