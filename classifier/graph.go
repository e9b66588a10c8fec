package classifier

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// epsilon keeps log() finite in the cross-entropy.
const epsilon = 1e-7

// trainGraph is the head's forward and backward pass for a fixed batch size.
//
// The weight tensors are backed by the head's slices, so optimiser updates to
// the head are seen by the next step.
type trainGraph struct {
	g     *G.ExprGraph
	vm    G.VM
	batch int
	head  *Head

	x, y      *G.Node
	learnable []*G.Node
	probs     *G.Node
	loss      *G.Node

	xT, yT  *tensor.Dense
	weights []*tensor.Dense
}

func newTrainGraph(h *Head, batch int) (*trainGraph, error) {
	g := G.NewGraph()
	tg := &trainGraph{g: g, batch: batch, head: h}

	tg.xT = tensor.New(tensor.WithShape(batch, h.In), tensor.WithBacking(make([]float32, batch*h.In)))
	tg.yT = tensor.New(tensor.WithShape(batch, h.Out), tensor.WithBacking(make([]float32, batch*h.Out)))
	tg.weights = []*tensor.Dense{
		tensor.New(tensor.WithShape(h.In, h.Hidden), tensor.WithBacking(h.W1)),
		tensor.New(tensor.WithShape(1, h.Hidden), tensor.WithBacking(h.B1)),
		tensor.New(tensor.WithShape(h.Hidden, h.Out), tensor.WithBacking(h.W2)),
		tensor.New(tensor.WithShape(1, h.Out), tensor.WithBacking(h.B2)),
	}

	tg.x = G.NewMatrix(g, tensor.Float32, G.WithShape(batch, h.In), G.WithName("x"), G.WithValue(tg.xT))
	tg.y = G.NewMatrix(g, tensor.Float32, G.WithShape(batch, h.Out), G.WithName("y"), G.WithValue(tg.yT))
	w1 := G.NewMatrix(g, tensor.Float32, G.WithShape(h.In, h.Hidden), G.WithName("w1"), G.WithValue(tg.weights[0]))
	b1 := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.Hidden), G.WithName("b1"), G.WithValue(tg.weights[1]))
	w2 := G.NewMatrix(g, tensor.Float32, G.WithShape(h.Hidden, h.Out), G.WithName("w2"), G.WithValue(tg.weights[2]))
	b2 := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.Out), G.WithName("b2"), G.WithValue(tg.weights[3]))
	tg.learnable = []*G.Node{w1, b1, w2, b2}

	xw1, err := G.Mul(tg.x, w1)
	if err != nil {
		return nil, errors.Wrap(err, "hidden matmul")
	}
	hidden, err := G.BroadcastAdd(xw1, b1, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "hidden bias")
	}
	if hidden, err = G.Rectify(hidden); err != nil {
		return nil, errors.Wrap(err, "relu")
	}
	if h.Dropout > 0 {
		if hidden, err = G.Dropout(hidden, h.Dropout); err != nil {
			return nil, errors.Wrap(err, "dropout")
		}
	}

	hw2, err := G.Mul(hidden, w2)
	if err != nil {
		return nil, errors.Wrap(err, "output matmul")
	}
	logits, err := G.BroadcastAdd(hw2, b2, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "output bias")
	}
	if tg.probs, err = G.SoftMax(logits); err != nil {
		return nil, errors.Wrap(err, "softmax")
	}

	// Categorical cross-entropy: -mean(sum(y * log(p + eps), 1)).
	safe, err := G.Add(tg.probs, G.NewConstant(float32(epsilon)))
	if err != nil {
		return nil, errors.Wrap(err, "epsilon")
	}
	logp, err := G.Log(safe)
	if err != nil {
		return nil, errors.Wrap(err, "log")
	}
	picked, err := G.HadamardProd(tg.y, logp)
	if err != nil {
		return nil, errors.Wrap(err, "select")
	}
	perRow, err := G.Sum(picked, 1)
	if err != nil {
		return nil, errors.Wrap(err, "row sum")
	}
	mean, err := G.Mean(perRow)
	if err != nil {
		return nil, errors.Wrap(err, "mean")
	}
	if tg.loss, err = G.Neg(mean); err != nil {
		return nil, errors.Wrap(err, "negate")
	}

	if _, err := G.Grad(tg.loss, tg.learnable...); err != nil {
		return nil, errors.Wrap(err, "gradients")
	}

	tg.vm = G.NewTapeMachine(g, G.BindDualValues(tg.learnable...))
	return tg, nil
}

// step runs one forward and backward pass and applies opt.
//
// Arguments:
//   - features: n x In feature rows.
//   - labels: n class indices.
//   - n: The number of real rows, at most the graph batch size.
//   - opt: The optimiser.
//
// Returns:
//   - float64: The summed cross-entropy over the n real rows.
//   - int: The number of correct predictions among the n real rows.
//   - error: An error if the pass fails.
func (tg *trainGraph) step(features []float32, labels []int, n int, opt *Adam) (float64, int, error) {
	loss, correct, grads, err := tg.gradients(features, labels, n)
	if err != nil {
		return 0, 0, err
	}
	if err := opt.Update(tg.head.Params(), grads); err != nil {
		return 0, 0, err
	}
	return loss, correct, nil
}

// gradients runs the forward and backward pass without updating the head.
//
// Rows beyond n are zeroed with all-zero targets, and the real targets are
// scaled by batch/n, so the batch mean equals the mean over the n real rows and
// padding adds nothing to the gradient.
func (tg *trainGraph) gradients(features []float32, labels []int, n int) (float64, int, [][]float32, error) {
	if n <= 0 || n > tg.batch {
		return 0, 0, nil, errors.Errorf("batch of %d rows does not fit graph batch %d", n, tg.batch)
	}
	h := tg.head

	xs := tg.xT.Data().([]float32)
	ys := tg.yT.Data().([]float32)
	for i := range xs {
		xs[i] = 0
	}
	for i := range ys {
		ys[i] = 0
	}
	target := float32(tg.batch) / float32(n)
	copy(xs, features[:n*h.In])
	for r := 0; r < n; r++ {
		ys[r*h.Out+labels[r]] = target
	}

	if err := G.Let(tg.x, tg.xT); err != nil {
		return 0, 0, nil, errors.Wrap(err, "bind features")
	}
	if err := G.Let(tg.y, tg.yT); err != nil {
		return 0, 0, nil, errors.Wrap(err, "bind labels")
	}
	for i, node := range tg.learnable {
		if err := G.Let(node, tg.weights[i]); err != nil {
			return 0, 0, nil, errors.Wrapf(err, "bind %s", node.Name())
		}
	}

	defer tg.vm.Reset()
	if err := tg.vm.RunAll(); err != nil {
		return 0, 0, nil, errors.Wrap(err, "run graph")
	}

	grads := make([][]float32, len(tg.learnable))
	for i, node := range tg.learnable {
		gv, err := node.Grad()
		if err != nil {
			return 0, 0, nil, errors.Wrapf(err, "gradient of %s", node.Name())
		}
		grads[i] = append([]float32(nil), gv.Data().([]float32)...)
	}

	probs := tg.probs.Value().Data().([]float32)
	var loss float64
	correct := 0
	for r := 0; r < n; r++ {
		row := probs[r*h.Out : (r+1)*h.Out]
		loss += crossEntropy(row, labels[r])
		if argmax(row) == labels[r] {
			correct++
		}
	}
	return loss, correct, grads, nil
}

func (tg *trainGraph) close() {
	if tg.vm != nil {
		tg.vm.Close()
	}
}
