package models

// Vector is a fixed-width embedding tagged with the provider that produced
// it. Vectors from different (ProviderID, Dim) pairs are never compared.
type Vector struct {
	ProviderID string    `json:"provider_id"`
	Dim        int       `json:"dim"`
	Values     []float32 `json:"values"`
}

// Comparable reports whether two vectors come from the same provider and
// dimension and may be scored against each other.
func (v *Vector) Comparable(other *Vector) bool {
	if v == nil || other == nil {
		return false
	}
	return v.ProviderID == other.ProviderID && v.Dim == other.Dim && len(v.Values) == len(other.Values)
}
