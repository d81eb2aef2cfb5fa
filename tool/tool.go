package tool

import (
	"time"

	"github.com/petal-labs/toolconn/connection"
)

// Status is the persisted connection status of a tool record. It only
// tracks settled outcomes; transient controller states are not stored.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Tool is a registered tool connection.
type Tool struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	ConnectionType connection.ConnectionType `json:"connectionType"`
	Endpoint       string                    `json:"endpoint"`
	AuthMethod     connection.AuthMethod     `json:"authMethod"`
	Username       string                    `json:"username,omitempty"`
	Password       string                    `json:"password,omitempty"`
	Token          string                    `json:"token,omitempty"`
	APIKey         string                    `json:"apiKey,omitempty"`
	Status         Status                    `json:"status"`
	LastActive     *time.Time                `json:"lastActive,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// Descriptor builds the probe descriptor for the tool.
func (t Tool) Descriptor() connection.Descriptor {
	return connection.Descriptor{
		Name:           t.Name,
		ConnectionType: t.ConnectionType,
		Endpoint:       t.Endpoint,
		AuthMethod:     t.AuthMethod,
		Username:       t.Username,
		Password:       t.Password,
		Token:          t.Token,
		APIKey:         t.APIKey,
	}
}

// ToolInput carries the user-editable fields of a tool.
type ToolInput struct {
	Name           string                    `json:"name"`
	ConnectionType connection.ConnectionType `json:"connectionType"`
	Endpoint       string                    `json:"endpoint"`
	AuthMethod     connection.AuthMethod     `json:"authMethod"`
	Username       string                    `json:"username,omitempty"`
	Password       string                    `json:"password,omitempty"`
	Token          string                    `json:"token,omitempty"`
	APIKey         string                    `json:"apiKey,omitempty"`
}

// UpdateToolInput holds optional field changes; nil fields are left as is.
type UpdateToolInput struct {
	Name           *string                    `json:"name,omitempty"`
	ConnectionType *connection.ConnectionType `json:"connectionType,omitempty"`
	Endpoint       *string                    `json:"endpoint,omitempty"`
	AuthMethod     *connection.AuthMethod     `json:"authMethod,omitempty"`
	Username       *string                    `json:"username,omitempty"`
	Password       *string                    `json:"password,omitempty"`
	Token          *string                    `json:"token,omitempty"`
	APIKey         *string                    `json:"apiKey,omitempty"`
}

func (in ToolInput) apply(t *Tool) {
	t.Name = in.Name
	t.ConnectionType = in.ConnectionType
	t.Endpoint = in.Endpoint
	t.AuthMethod = in.AuthMethod
	t.Username = in.Username
	t.Password = in.Password
	t.Token = in.Token
	t.APIKey = in.APIKey
	if t.AuthMethod == "" {
		t.AuthMethod = connection.AuthMethodNone
	}
}

func (in UpdateToolInput) apply(t *Tool) {
	if in.Name != nil {
		t.Name = *in.Name
	}
	if in.ConnectionType != nil {
		t.ConnectionType = *in.ConnectionType
	}
	if in.Endpoint != nil {
		t.Endpoint = *in.Endpoint
	}
	if in.AuthMethod != nil {
		t.AuthMethod = *in.AuthMethod
	}
	if in.Username != nil {
		t.Username = *in.Username
	}
	if in.Password != nil {
		t.Password = *in.Password
	}
	if in.Token != nil {
		t.Token = *in.Token
	}
	if in.APIKey != nil {
		t.APIKey = *in.APIKey
	}
}

func cloneTool(t Tool) Tool {
	out := t
	if t.LastActive != nil {
		at := *t.LastActive
		out.LastActive = &at
	}
	return out
}

func cloneTools(tools []Tool) []Tool {
	if tools == nil {
		return nil
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, cloneTool(t))
	}
	return out
}
