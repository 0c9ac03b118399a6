package models

// SourceLocator points at one wall partition.
type SourceLocator struct {
	Domain   string
	PageSize int
	Source   ContentSource
}

// BlogTarget is a blog destination. Price and SubscriptionLevelID are
// mutually exclusive; a non-zero tier wins.
type BlogTarget struct {
	BlogName            string
	SubscriptionLevelID int64
	Price               int
}

// Binding maps one source to its destinations. Bindings never share
// mutable state.
type Binding struct {
	Name       string
	Source     SourceLocator
	ChannelIDs []string
	Blog       *BlogTarget
}

// HasDestinations reports whether anything is configured to receive posts.
func (b Binding) HasDestinations() bool {
	return len(b.ChannelIDs) > 0 || b.Blog != nil
}
