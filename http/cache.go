package http

import (
	"encoding/binary"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedPrediction struct {
	label      int
	confidence float64
}

// predictionCache memoises predictions by the exact bits of the feature
// vector. Valid only because the loaded model never changes.
type predictionCache struct {
	lru *lru.Cache[string, cachedPrediction]
}

// newPredictionCache returns nil when size is 0; a nil cache is a no-op.
func newPredictionCache(size int) (*predictionCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[string, cachedPrediction](size)
	if err != nil {
		return nil, err
	}
	return &predictionCache{lru: c}, nil
}

func (c *predictionCache) get(features []float64) (cachedPrediction, bool) {
	if c == nil {
		return cachedPrediction{}, false
	}
	return c.lru.Get(featureKey(features))
}

func (c *predictionCache) add(features []float64, p cachedPrediction) {
	if c == nil {
		return
	}
	c.lru.Add(featureKey(features), p)
}

func (c *predictionCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func featureKey(features []float64) string {
	buf := make([]byte, 8*len(features))
	for i, f := range features {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return string(buf)
}
