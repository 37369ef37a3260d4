package message

// Request describes one remote call. It is built once by the caller and never mutated.
type Request struct {
	RequestID     string   // correlation id, unique per call
	InterfaceName string   // e.g. "com.x.Hello"
	MethodName    string   // e.g. "hello"
	Parameters    []any    // argument values
	ParamTypes    []string // argument type descriptors, one per parameter
	Version       string   // service version tag
	Group         string   // service group tag, distinguishes implementations of one interface
}

// ServiceKey identifies the logical service endpoint, independent of any address.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.InterfaceName, r.Group, r.Version)
}

// ServiceKey joins the three parts of a service key.
func ServiceKey(interfaceName, group, version string) string {
	return interfaceName + group + version
}
