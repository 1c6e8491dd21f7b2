package wire

import "github.com/ldm7/ldm7"

// FromDomain converts a domain ldm7.Product into its wire form.
func FromDomain(p ldm7.Product) Product {
	return Product{
		Info: ProductInfo{
			Signature:   p.Info.Signature,
			ArrivalTime: p.Info.ArrivalTime,
			OriginHost:  p.Info.OriginHost,
			FeedType:    uint32(p.Info.FeedType),
			SeqNo:       p.Info.SeqNo,
			Identifier:  p.Info.Identifier,
			Size:        p.Info.Size,
		},
		Payload: p.Payload,
	}
}

// ToDomain converts a wire Product back into the domain representation.
func (p Product) ToDomain() ldm7.Product {
	return ldm7.Product{
		Info: ldm7.ProductInfo{
			Signature:   p.Info.Signature,
			ArrivalTime: p.Info.ArrivalTime,
			OriginHost:  p.Info.OriginHost,
			FeedType:    ldm7.FeedType(p.Info.FeedType),
			SeqNo:       p.Info.SeqNo,
			Identifier:  p.Info.Identifier,
			Size:        p.Info.Size,
		},
		Payload: p.Payload,
	}
}
