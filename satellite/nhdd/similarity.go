package nhdd

import "math"

// MinSimilarity is the cosine similarity above which two page embeddings are
// treated as the same page.
const MinSimilarity = 0.95

// CosineSimilarity returns the cosine of the angle between two embeddings.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// IsSubsequence reports whether the target page sequence embeds into the
// source in order: every target page has a similar source page, and earlier
// target pages match earlier source pages. The second result reports whether
// the containment is proper (the source has more pages).
//
// The relation imposes disjoint inverted trees on the archive set: if T is a
// proper subsequence of S then S is not one of T.
func IsSubsequence(target, source [][]float32, minSimilarity float64) (subsequence, proper bool) {
	tCount, sCount := len(target), len(source)
	if tCount > sCount {
		return false, false
	}
	offset := 0
	for i := 0; i < tCount; i++ {
		for i+offset < sCount {
			if CosineSimilarity(target[i], source[i+offset]) > minSimilarity {
				if i == tCount-1 {
					return true, tCount != sCount
				}
				break
			}
			offset++
		}
	}
	return false, false
}
