package component

// Registerable lets a driver describe its own registration
type Registerable interface {
	Registration() *Registration
}

// RegisterAll registers each driver with r, stopping at the first error
func RegisterAll(r *Registry, drivers ...Registerable) error {
	for _, d := range drivers {
		if err := r.RegisterFactory(d.Registration()); err != nil {
			return err
		}
	}
	return nil
}
