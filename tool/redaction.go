package tool

import "strings"

// MaskedSecretValue is used in user-facing output for credential values.
const MaskedSecretValue = "**********"

func maskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return MaskedSecretValue
}

// RedactTool clones a tool and masks its password, token and API key.
// Usernames are not secret and are kept.
func RedactTool(t Tool) Tool {
	out := cloneTool(t)
	out.Password = maskValue(out.Password)
	out.Token = maskValue(out.Token)
	out.APIKey = maskValue(out.APIKey)
	return out
}

// RedactTools clones all tools and masks credential values.
func RedactTools(tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, RedactTool(t))
	}
	return out
}
