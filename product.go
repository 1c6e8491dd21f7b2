package ldm7

import "time"

// ProductInfo is a product's metadata record (spec.md §3). Size must be
// >= 0; Signature is set once the product has entered a product queue.
type ProductInfo struct {
	Signature   Signature
	ArrivalTime time.Time
	OriginHost  string
	FeedType    FeedType
	SeqNo       uint32
	Identifier  string
	Size        uint32
}

// Product is metadata plus its contiguous opaque payload.
type Product struct {
	Info    ProductInfo
	Payload []byte
}

// MatchClass filters products by feed-type intersection and an
// identifier glob-style pattern, used by PQ.Sequence (spec.md §4.C).
type MatchClass struct {
	Feed    FeedType
	Pattern string
}

// Match reports whether info satisfies the class: its feed bits
// intersect Feed (FeedAny matches everything), and its identifier
// matches Pattern using path.Match glob syntax (empty Pattern matches
// everything).
func (c MatchClass) Match(info ProductInfo) bool {
	if c.Feed != FeedAny && !c.Feed.Intersects(info.FeedType) {
		return false
	}
	if c.Pattern == "" {
		return true
	}
	ok, err := globMatch(c.Pattern, info.Identifier)
	return err == nil && ok
}
