package config

// Observability configures trace export. Tracing stays disabled while TracingURL is empty.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required_with=TracingURL"`
	TracingURL  string `mapstructure:"tracing_url"`
}
