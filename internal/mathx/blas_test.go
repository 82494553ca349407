package mathx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGemmNT(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6} // 2x3
	b := []float64{1, 0, 1, 0, 1, 0} // 2x3, used transposed
	c := []float64{1, 1, 1, 1}
	GemmNT(1, a, 2, 3, b, 2, 3, 1, c)
	assert.Equal(t, []float64{5, 3, 11, 6}, c)
}
