// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package traits

// Label is a single name/value pair attached to a sample.
type Label struct {
	Name  string
	Value string
}

// Labels is an ordered set of labels with unique names. The order is the
// order in which names were first set.
type Labels []Label

// Get returns the value of the named label.
func (l Labels) Get(name string) (string, bool) {
	for _, lb := range l {
		if lb.Name == name {
			return lb.Value, true
		}
	}
	return "", false
}

// With returns a copy of l with name set to value. An existing label keeps
// its position and takes the new value; a new label is appended.
func (l Labels) With(name, value string) Labels {
	out := make(Labels, len(l), len(l)+1)
	copy(out, l)
	for i := range out {
		if out[i].Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Label{Name: name, Value: value})
}

// Merge returns a copy of l with every label of other applied in order,
// so the values in other win.
func (l Labels) Merge(other Labels) Labels {
	out := make(Labels, len(l), len(l)+len(other))
	copy(out, l)
	for _, lb := range other {
		out = out.With(lb.Name, lb.Value)
	}
	return out
}
