package observability

import (
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

func attrsFromLabels(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
