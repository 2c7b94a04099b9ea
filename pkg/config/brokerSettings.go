package config

// BrokerSettings holds configuration for publishing invoice transitions to a message broker.
// An empty Type disables publication.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange"`
	Topic     string `mapstructure:"topic" validate:"required_if=Type gcp-pubsub"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
}
