package plan

// SortOrder defines how sessions are ordered when listing.
type SortOrder int

const (
	// SortByCreatedDesc orders sessions by CreatedAt descending (newest first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders sessions by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how sessions are selected when querying the registry.
type ListOptions struct {
	Limit    int
	Statuses []RunStatus
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if len(opts.Statuses) > 0 {
		valid := opts.Statuses[:0]
		for _, status := range opts.Statuses {
			if IsValidRunStatus(status) {
				valid = append(valid, status)
			}
		}
		opts.Statuses = valid
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of sessions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses selects only sessions currently in one of the given phases.
func WithStatuses(statuses ...RunStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = statuses
	}
}

// WithOrder sets the sort order.
func WithOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}
