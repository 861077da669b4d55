package ranking

import "math"

// Cosine returns dot(a,b) / (|a|*|b|). A zero-magnitude vector has no
// direction, so its similarity to anything is 0. Lengths must match.
func Cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
