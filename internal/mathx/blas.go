package mathx

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// GemmNT computes C = alpha*A*B^T + beta*C for row-major float64 matrices.
// A is (ar x ac), B is (br x bc) where ac==bc. C is (ar x br).
func GemmNT(alpha float64, A []float64, ar, ac int, B []float64, br, bc int, beta float64, C []float64) {
	a := blas64.General{Rows: ar, Cols: ac, Data: A, Stride: ac}
	b := blas64.General{Rows: br, Cols: bc, Data: B, Stride: bc}
	c := blas64.General{Rows: ar, Cols: br, Data: C, Stride: br}
	blas64.Gemm(blas.NoTrans, blas.Trans, alpha, a, b, beta, c)
}
