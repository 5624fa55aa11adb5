package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// general views a row-major slice as a rows x cols matrix.
func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha*op(a)*op(b) + beta*c.
func gemm(transA, transB bool, alpha float64, a, b blas64.General, beta float64, c blas64.General) {
	blas64.Gemm(transpose(transA), transpose(transB), alpha, a, b, beta, c)
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
