// Package bleu computes the BLEU translation quality score, on a 0 to 100 scale.
//
// It matches sacrebleu's raw corpus BLEU: whitespace tokenization, n-grams up to order 4 clipped
// against a single reference, "floor" smoothing of zero precisions and the effective order
// (orders with no hypothesis n-gram at all are left out of the geometric mean).
package bleu

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxOrder is the largest n-gram order.
	MaxOrder = 4

	// FloorSmoothing is the numerator used in place of zero n-gram matches.
	FloorSmoothing = 0.01
)

// Stats are the sufficient statistics of BLEU over a corpus. They add up over sentences.
type Stats struct {
	Correct [MaxOrder]int
	Total   [MaxOrder]int

	HypothesisLength, ReferenceLength int
}

// Add accumulates the statistics of one hypothesis against its reference.
func (s *Stats) Add(hypothesis, reference string) {
	hyp := strings.Fields(hypothesis)
	ref := strings.Fields(reference)
	s.HypothesisLength += len(hyp)
	s.ReferenceLength += len(ref)
	for n := 1; n <= MaxOrder; n++ {
		refCounts := ngrams(ref, n)
		for gram, count := range ngrams(hyp, n) {
			s.Correct[n-1] += min(count, refCounts[gram])
			s.Total[n-1] += count
		}
	}
}

// Precisions returns the modified n-gram precisions in percent, for the effective orders only.
func (s *Stats) Precisions() []float64 {
	precisions := make([]float64, 0, MaxOrder)
	for n := range MaxOrder {
		if s.Total[n] == 0 {
			break
		}
		correct := float64(s.Correct[n])
		if correct == 0 {
			correct = FloorSmoothing
		}
		precisions = append(precisions, 100*correct/float64(s.Total[n]))
	}
	return precisions
}

// BrevityPenalty penalizes hypotheses shorter than the references.
func (s *Stats) BrevityPenalty() float64 {
	switch {
	case s.HypothesisLength >= s.ReferenceLength:
		return 1
	case s.HypothesisLength == 0:
		return 0
	}
	return math.Exp(1 - float64(s.ReferenceLength)/float64(s.HypothesisLength))
}

// Score returns the BLEU score of the accumulated statistics, in [0, 100].
func (s *Stats) Score() float64 {
	precisions := s.Precisions()
	if len(precisions) == 0 {
		return 0
	}
	var logSum float64
	for _, p := range precisions {
		logSum += math.Log(p)
	}
	return s.BrevityPenalty() * math.Exp(logSum/float64(len(precisions)))
}

// Corpus returns the BLEU score of the hypotheses against the references, line by line.
func Corpus(hypotheses, references []string) (float64, error) {
	if len(hypotheses) != len(references) {
		return 0, errors.Errorf("got %d hypotheses for %d references", len(hypotheses), len(references))
	}
	var s Stats
	for i := range hypotheses {
		s.Add(hypotheses[i], references[i])
	}
	return s.Score(), nil
}

// Sentence returns the BLEU score of a single hypothesis.
func Sentence(hypothesis, reference string) float64 {
	var s Stats
	s.Add(hypothesis, reference)
	return s.Score()
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}
