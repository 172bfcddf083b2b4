package shell

import (
	"encoding/json"
	"sort"
)

// Listing maps a service key to its descriptor. It is the payload of the
// "app listing" event.
type Listing map[string]ServiceDescriptor

// ServiceDescriptor describes one backend service: the applications it can
// launch and the remote procedures it exposes. The JSON it was decoded from
// is kept and replayed verbatim so fields the shell does not know about reach
// the hosted application untouched.
type ServiceDescriptor struct {
	Host        string                   `json:"host,omitempty"`
	Name        string                   `json:"name,omitempty"`
	QueuePrefix string                   `json:"queue_prefix,omitempty"`
	Apps        map[string]AppDefinition `json:"apps,omitempty"`
	RPCs        map[string]RPCDescriptor `json:"rpcs,omitempty"`

	raw json.RawMessage
}

// AppDefinition is a launchable application offered by a service.
type AppDefinition struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Icon string `json:"icon,omitempty"`
}

// RPCDescriptor is one remote procedure server exposed by a service.
type RPCDescriptor struct {
	Name string                   `json:"name"`
	URI  string                   `json:"uri"`
	APIs map[string]APIDescriptor `json:"apis,omitempty"`
}

// APIDescriptor is a single callable procedure. ID is the stable call id;
// when empty the name is used.
type APIDescriptor struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CallID returns the identifier sent as "func" when invoking the procedure.
func (a APIDescriptor) CallID() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

type descriptorFields ServiceDescriptor

// UnmarshalJSON decodes the known fields and retains the raw document.
func (d *ServiceDescriptor) UnmarshalJSON(b []byte) error {
	var f descriptorFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*d = ServiceDescriptor(f)
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON returns the original document when the descriptor was decoded
// from JSON, and the known fields otherwise.
func (d ServiceDescriptor) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	return json.Marshal(descriptorFields(d))
}

// AppKeys returns the application keys in a stable order.
func (d ServiceDescriptor) AppKeys() []string {
	keys := make([]string, 0, len(d.Apps))
	for k := range d.Apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindRPC returns the procedure server with the given catalog key or name.
func (d ServiceDescriptor) FindRPC(name string) (RPCDescriptor, bool) {
	if r, ok := d.RPCs[name]; ok {
		return r, true
	}
	for _, r := range d.RPCs {
		if r.Name == name {
			return r, true
		}
	}
	return RPCDescriptor{}, false
}

// FindAPI returns the procedure with the given catalog key or name.
func (r RPCDescriptor) FindAPI(name string) (APIDescriptor, bool) {
	if a, ok := r.APIs[name]; ok {
		return a, true
	}
	for _, a := range r.APIs {
		if a.Name == name {
			return a, true
		}
	}
	return APIDescriptor{}, false
}

// Permits reports whether a call to fn on the procedure server at uri stays
// inside this service. An empty uri selects the server that declares fn.
// Servers that list no APIs accept any procedure id.
func (d ServiceDescriptor) Permits(uri, fn string) bool {
	for _, r := range d.RPCs {
		if uri != "" && r.URI != uri {
			continue
		}
		if len(r.APIs) == 0 {
			if uri != "" {
				return true
			}
			continue
		}
		if fn == "" {
			continue
		}
		for k, a := range r.APIs {
			if k == fn || a.Name == fn || a.CallID() == fn {
				return true
			}
		}
	}
	return false
}
