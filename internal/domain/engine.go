// Package domain contains entity without logic, just meta-data
package domain

type (
	EngineID  string
	ServiceID string
)

type EngineStatus string

const (
	EngineConnecting EngineStatus = "connecting"
	EngineReady      EngineStatus = "ready"
)

// EngineConfig identifies one backend media-server instance and how to
// reach it. Version/Release/credentials participate in the compatibility
// check when Connect is called for a name that is already registered.
type EngineConfig struct {
	Name     EngineID  `json:"name" mapstructure:"name"`
	Service  ServiceID `json:"service" mapstructure:"service"`
	Host     string    `json:"host" mapstructure:"host"`
	Port     int       `json:"port" mapstructure:"port"`
	User     string    `json:"user,omitempty" mapstructure:"user"`
	Password string    `json:"-" mapstructure:"password"`
	Vsn      string    `json:"vsn,omitempty" mapstructure:"vsn"`
	Release  string    `json:"release,omitempty" mapstructure:"release"`
	UseSSL   bool      `json:"use_ssl,omitempty" mapstructure:"use_ssl"`
	BasePath string    `json:"base_path,omitempty" mapstructure:"base_path"`
}

// Compatible reports whether a new connect request may adopt the already
// running instance instead of starting a second one.
func (c EngineConfig) Compatible(other EngineConfig) bool {
	return c.Vsn == other.Vsn &&
		c.Release == other.Release &&
		c.User == other.User &&
		c.Password == other.Password
}
