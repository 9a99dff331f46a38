package view

// Info carries request-scoped values into a pass (time, cache policy) and
// collects what representations report out of it.
type Info struct {
	Time     float64
	UseCache bool
	CacheKey string
	values   map[string]any
}

func NewInfo() *Info {
	return &Info{}
}

func (i *Info) Set(key string, v any) {
	if i.values == nil {
		i.values = make(map[string]any)
	}
	i.values[key] = v
}

func (i *Info) Get(key string) (any, bool) {
	v, ok := i.values[key]
	return v, ok
}

func (i *Info) Len() int {
	return len(i.values)
}

// Reset clears every field.
func (i *Info) Reset() {
	*i = Info{}
}
