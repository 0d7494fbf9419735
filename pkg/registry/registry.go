package registry

// Record describes how to reach a backend PBX. A zero port means the backend
// does not accept that transport.
type Record struct {
	IP      string `json:"ip"`
	UDPPort int    `json:"udp_port,omitempty"`
	TLSPort int    `json:"tls_port,omitempty"`
}

// Route pairs a routing hostname with its backend record.
type Route struct {
	Hostname string `json:"hostname"`
	Record   Record `json:"record"`
}

// Registry resolves routing hostnames to backend records. The proxies only
// read from it; a service watcher is the sole writer.
type Registry interface {
	// Resolve returns the record for a hostname.
	Resolve(hostname string) (Record, bool)

	// ReverseResolveByIP returns the hostname whose record carries the
	// given backend IP.
	ReverseResolveByIP(ip string) (string, bool)

	// All returns every route ordered by hostname.
	All() []Route

	// Add inserts or replaces a record.
	Add(hostname string, record Record)

	// Update replaces an existing record; it reports false when the
	// hostname is unknown.
	Update(hostname string, record Record) bool

	// Delete removes a record; it reports whether one existed.
	Delete(hostname string) bool
}
