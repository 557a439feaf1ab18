package httpapi

import (
	"encoding/json"
	"strings"

	"github.com/cch-gateway/cch-gateway/core"
)

// route is the outcome of matching one incoming request against the wire
// surface described in spec §6.
type route struct {
	format    core.WireFormat
	model     string
	streaming bool
	isModels  bool // GET /v1/models listing, handled without the forward/respond pipeline
	isMCP     bool
	matched   bool
}

// bodyPeek is the minimal shape every JSON-bodied wire format shares:
// enough to resolve the model and the streaming flag without a full
// per-vendor parse, which is the transform registry's concern.
type bodyPeek struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// resolveRoute maps method+path (+body, for formats that carry the model
// in the JSON payload rather than the URL) onto spec §6's incoming wire
// surface table.
func resolveRoute(method, path string, body []byte) route {
	switch {
	case method == "GET" && path == "/v1/models":
		return route{isModels: true, matched: true}

	case strings.HasPrefix(path, "/v1/messages"):
		peek := peekBody(body)
		return route{format: core.WireFormatClaude, model: peek.Model, streaming: peek.Stream, matched: true}

	case path == "/v1/chat/completions":
		peek := peekBody(body)
		return route{format: core.WireFormatOpenAI, model: peek.Model, streaming: peek.Stream, matched: true}

	case strings.HasPrefix(path, "/v1/responses"):
		peek := peekBody(body)
		return route{format: core.WireFormatCodex, model: peek.Model, streaming: peek.Stream, matched: true}

	case strings.HasPrefix(path, "/v1beta/models/"):
		model, action := splitModelAction(strings.TrimPrefix(path, "/v1beta/models/"))
		return route{format: core.WireFormatGemini, model: model, streaming: action == "streamGenerateContent", matched: true}

	case strings.HasPrefix(path, "/v1/publishers/google/models/"):
		model, action := splitModelAction(strings.TrimPrefix(path, "/v1/publishers/google/models/"))
		return route{format: core.WireFormatGemini, model: model, streaming: action == "streamGenerateContent", matched: true}

	case strings.HasPrefix(path, "/v1internal/models/"):
		model, action := splitModelAction(strings.TrimPrefix(path, "/v1internal/models/"))
		return route{format: core.WireFormatGemini, model: model, streaming: action == "streamGenerateContent", matched: true}

	case strings.HasPrefix(path, "/mcp/"):
		return route{format: core.WireFormatMCP, isMCP: true, matched: true}
	}
	return route{}
}

func peekBody(body []byte) bodyPeek {
	var p bodyPeek
	_ = json.Unmarshal(body, &p)
	return p
}

// splitModelAction splits "gemini-1.5-pro:generateContent" style path
// tails into the model name and the colon-delimited action.
func splitModelAction(tail string) (model, action string) {
	idx := strings.LastIndex(tail, ":")
	if idx < 0 {
		return tail, ""
	}
	return tail[:idx], tail[idx+1:]
}
