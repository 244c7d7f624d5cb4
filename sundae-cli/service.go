package sundaecli

type Service struct {
	Name    string
	Subpath string
	Version string
}

func NewService(name string) Service {
	return Service{
		Name:    name,
		Subpath: "",
		Version: CommitHash(),
	}
}

func NewSubpathService(name string) Service {
	return Service{
		Name:    name,
		Subpath: name,
		Version: CommitHash(),
	}
}

// Named returns a copy of the service for a sub-component, e.g.
// "ws-relay-dispatch", keeping the version.
func (s Service) Named(suffix string) Service {
	s.Name = s.Name + "-" + suffix
	return s
}
