package loss

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/FlavioCFOliveira/faststyle/internal/tensor"
)

// Gram returns the per-sample Gram matrices of an N×C×H×W feature batch as an
// N×1×C×C tensor: G = F·Fᵀ / (H·W·C) with F the C×(H·W) feature matrix.
func Gram(f *tensor.Tensor) *tensor.Tensor {
	c, hw := f.C, f.H*f.W
	g := tensor.New(f.N, 1, c, c)
	norm := 1 / float32(hw*c)
	for n := 0; n < f.N; n++ {
		F := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: f.Data[n*c*hw : (n+1)*c*hw]}
		G := blas32.General{Rows: c, Cols: c, Stride: c, Data: g.Data[n*c*c : (n+1)*c*c]}
		blas32.Gemm(blas.NoTrans, blas.Trans, norm, F, F, 0, G)
	}
	return g
}

// GramBackward returns dL/dF given dL/dG for the features f:
// dF = (dG + dGᵀ)·F / (H·W·C).
func GramBackward(f, dG *tensor.Tensor) *tensor.Tensor {
	c, hw := f.C, f.H*f.W
	if dG.N != f.N || dG.H != c || dG.W != c {
		panic(fmt.Sprintf("loss: gram gradient %v does not match features %v", dG, f))
	}
	df := tensor.Like(f)
	norm := 1 / float32(hw*c)
	sym := make([]float32, c*c)
	for n := 0; n < f.N; n++ {
		d := dG.Data[n*c*c : (n+1)*c*c]
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				sym[i*c+j] = d[i*c+j] + d[j*c+i]
			}
		}
		S := blas32.General{Rows: c, Cols: c, Stride: c, Data: sym}
		F := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: f.Data[n*c*hw : (n+1)*c*hw]}
		D := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: df.Data[n*c*hw : (n+1)*c*hw]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, norm, S, F, 0, D)
	}
	return df
}
