package protocol

import "github.com/txn2/mcp-experience/pkg/toolkits/experience"

// Method is a JSON-RPC method this server answers.
type Method string

// Request methods.
const (
	MethodInitialize       Method = "initialize"
	MethodPing             Method = "ping"
	MethodToolsList        Method = "tools/list"
	MethodToolsCall        Method = "tools/call"
	MethodPromptsList      Method = "prompts/list"
	MethodPromptsGet       Method = "prompts/get"
	MethodQueryExperiences Method = experience.ToolQueryExperiences
	MethodSubmitExperience Method = experience.ToolSubmitExperience
)

// Notification methods.
const (
	NotificationInitialized       = "initialized"
	NotificationClientInitialized = "notifications/initialized"
)

// methods is the closed set of request methods.
var methods = map[Method]bool{
	MethodInitialize:       true,
	MethodPing:             true,
	MethodToolsList:        true,
	MethodToolsCall:        true,
	MethodPromptsList:      true,
	MethodPromptsGet:       true,
	MethodQueryExperiences: true,
	MethodSubmitExperience: true,
}

// ParseMethod returns the Method for name and whether it is known.
func ParseMethod(name string) (Method, bool) {
	m := Method(name)
	return m, methods[m]
}

// metricLabel bounds metric cardinality to known method names.
func metricLabel(name string) string {
	if _, ok := ParseMethod(name); ok {
		return name
	}
	if name == NotificationInitialized || name == NotificationClientInitialized {
		return name
	}
	return "unknown"
}
