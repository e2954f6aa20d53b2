// Package buildinfo carries build-time metadata that is not part of user
// configuration.
package buildinfo

import "github.com/google/uuid"

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// BuildInfo is read by the diagnostics server and telemetry.
type BuildInfo interface {
	GetVersion() string
	GetBuildDate() string
	GetInstanceID() string
}

// Context holds values set through -ldflags plus a per-process instance ID.
type Context struct {
	Version   string
	BuildDate string

	// InstanceID distinguishes processes sharing one cache directory in logs
	// and error reports.
	InstanceID string
}

// NewContext creates a Context. An empty instanceID gets a random one.
func NewContext(version, buildDate, instanceID string) *Context {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Context{
		Version:    version,
		BuildDate:  buildDate,
		InstanceID: instanceID,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}

// GetVersion implements BuildInfo.
func (c *Context) GetVersion() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.Version)
}

// GetBuildDate implements BuildInfo.
func (c *Context) GetBuildDate() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.BuildDate)
}

// GetInstanceID implements BuildInfo.
func (c *Context) GetInstanceID() string {
	if c == nil {
		return UnknownValue
	}
	return orUnknown(c.InstanceID)
}
