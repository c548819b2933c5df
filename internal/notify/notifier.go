package notify

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/l0p7/querykit/internal/client"
)

// DefaultKey names the fallback template.
const DefaultKey = "default"

// DefaultTemplates maps failures to user-facing text. Keys are an exact
// status ("401"), a status class ("5xx"), an error kind ("transport") or
// "default".
var DefaultTemplates = map[string]string{
	"401":       "Your session has expired. Please sign in again.",
	"403":       "You do not have permission to do that.",
	"404":       "We could not find what you were looking for.",
	"5xx":       "Something went wrong on our side ({{ .Status }}). Please try again.",
	"transport": "Unable to reach the server. Check your connection and try again.",
	"decode":    "The server sent a response we could not read.",
	DefaultKey:  `{{ .Message | default "Something went wrong." }}`,
}

// Data is exposed to message templates.
type Data struct {
	Status  int
	Message string
	Kind    string
}

// Notifier turns errors into the text shown to users.
type Notifier struct {
	templates map[string]*Template
}

// New compiles templates over DefaultTemplates. Entries in overrides replace
// the defaults with the same key; an empty override removes the default.
func New(overrides map[string]string) (*Notifier, error) {
	sources := make(map[string]string, len(DefaultTemplates)+len(overrides))
	for key, src := range DefaultTemplates {
		sources[key] = src
	}
	for key, src := range overrides {
		sources[key] = src
	}
	renderer := NewRenderer()
	n := &Notifier{templates: make(map[string]*Template, len(sources))}
	for key, src := range sources {
		tmpl, err := renderer.Compile(key, src)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			n.templates[key] = tmpl
		}
	}
	return n, nil
}

// Message renders the text for err. A nil error renders as an empty string.
// HTTP errors keep their message verbatim unless a template matches their
// status, status class or kind.
func (n *Notifier) Message(err error) string {
	if err == nil {
		return ""
	}
	data := dataFor(err)
	for _, key := range lookupKeys(data) {
		tmpl, ok := n.templates[key]
		if !ok {
			continue
		}
		text, renderErr := tmpl.Render(data)
		if renderErr != nil {
			continue
		}
		if text != "" {
			return text
		}
	}
	return data.Message
}

// Keys lists the configured template keys in order.
func (n *Notifier) Keys() []string {
	keys := make([]string, 0, len(n.templates))
	for key := range n.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func dataFor(err error) Data {
	data := Data{Kind: client.Kind(err), Message: err.Error()}
	if status := client.StatusOf(err); status != 0 {
		data.Status = status
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) {
			data.Message = httpErr.Message
		}
	}
	return data
}

func lookupKeys(data Data) []string {
	keys := make([]string, 0, 4)
	if data.Status != 0 {
		keys = append(keys, strconv.Itoa(data.Status), fmt.Sprintf("%dxx", data.Status/100))
	}
	if data.Kind != "" && data.Kind != "http" {
		keys = append(keys, data.Kind)
	}
	return append(keys, DefaultKey)
}
