package memory

// searchOptions accumulates options for [Service.Search].
// Unexported — callers configure it via [SearchOpt] functional options.
type searchOptions struct {
	limit         int
	minSimilarity float64
	types         []Type
}

// SearchOpt is a functional option for [Service.Search].
type SearchOpt func(*searchOptions)

// WithLimit caps the number of results returned. A value of 0 (the default)
// uses the service default of 3.
func WithLimit(n int) SearchOpt {
	return func(o *searchOptions) { o.limit = n }
}

// WithMinSimilarity overrides the cosine similarity floor. A value of 0 (the
// default) uses the service default of 0.65.
func WithMinSimilarity(min float64) SearchOpt {
	return func(o *searchOptions) { o.minSimilarity = min }
}

// WithTypes restricts results to the given memory types. An empty list (the
// default) searches all types.
func WithTypes(types ...Type) SearchOpt {
	return func(o *searchOptions) { o.types = append(o.types, types...) }
}

// SearchParams holds the resolved parameters from a slice of [SearchOpt].
type SearchParams struct {
	Limit         int
	MinSimilarity float64
	Types         []Type
}

// ApplySearchOpts applies a slice of [SearchOpt] and returns the resolved
// parameters, letting storage backends read option values without access to
// the unexported options struct.
func ApplySearchOpts(opts []SearchOpt) SearchParams {
	o := &searchOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return SearchParams{
		Limit:         o.limit,
		MinSimilarity: o.minSimilarity,
		Types:         o.types,
	}
}
