package observability

import "go.opentelemetry.io/otel/attribute"

func categoryAttr(category string) attribute.KeyValue { return attribute.String("category", category) }
func pipelineAttr(pipelineID string) attribute.KeyValue {
	return attribute.String("pipeline_id", pipelineID)
}
func outcomeAttr(outcome string) attribute.KeyValue { return attribute.String("outcome", outcome) }
