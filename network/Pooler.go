package network

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// attentionPooler encodes a batch of trip sequences into one vector
// per sequence:
//
//	emb = BN(proj(trips))
//	h1  = BN(attention(emb) + emb)     (ResidualAttention)
//	h1  = BN(emb)                      (ResidualDiscard)
//	h2  = BN(outer(relu(inner(h1))) + h1)
//	out = sum of h2 over the positions of each sequence
type attentionPooler struct {
	batch, length int
	embed         int
	residual      ResidualMode

	emb          *fcLayer
	embNorm      *batchNorm
	attn         *selfAttention
	attnNorm     *batchNorm
	inner, outer *fcLayer
	ffNorm       *batchNorm
}

// newAttentionPooler adds the layers of the pooler to the graph under
// construction
func newAttentionPooler(b *builder, arch Architecture, batch,
	length int) (*attentionPooler, error) {
	p := &attentionPooler{
		batch:    batch,
		length:   length,
		embed:    arch.Embed,
		residual: arch.Residual,
	}

	var err error
	if p.emb, err = newFCLayer(b, EmbLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "projection")
	}
	if p.embNorm, err = newBatchNorm(b, EmbNormLayer, arch.Embed); err != nil {
		return nil, errors.Wrap(err, "projection normalization")
	}
	if p.attn, err = newSelfAttention(b, arch); err != nil {
		return nil, errors.Wrap(err, "self-attention")
	}
	if p.attnNorm, err = newBatchNorm(b, AttnNormLayer, arch.Embed); err != nil {
		return nil, errors.Wrap(err, "attention normalization")
	}
	if p.inner, err = newFCLayer(b, InnerLayer, ReLU()); err != nil {
		return nil, errors.Wrap(err, "inner feed-forward")
	}
	if p.outer, err = newFCLayer(b, OuterLayer, Identity()); err != nil {
		return nil, errors.Wrap(err, "outer feed-forward")
	}
	if p.ffNorm, err = newBatchNorm(b, FFNormLayer, arch.Embed); err != nil {
		return nil, errors.Wrap(err, "feed-forward normalization")
	}
	return p, nil
}

// norms returns the normalization layers of the pooler
func (p *attentionPooler) norms() []*batchNorm {
	return []*batchNorm{p.embNorm, p.attnNorm, p.ffNorm}
}

// fwd adds the pooling of trips, a [batch*length, tripEmb] matrix, to
// the computational graph and returns the [batch, embed] pooled node.
func (p *attentionPooler) fwd(trips *G.Node) (*G.Node, error) {
	emb, err := p.emb.fwd(trips)
	if err != nil {
		return nil, errors.Wrap(err, "projecting trips")
	}
	if emb, err = p.embNorm.fwd(emb); err != nil {
		return nil, err
	}

	attended, err := p.attn.fwd(emb, p.batch, p.length)
	if err != nil {
		return nil, errors.Wrap(err, "self-attention")
	}
	residual, err := G.Add(attended, emb)
	if err != nil {
		return nil, errors.Wrap(err, "attention residual")
	}

	h1Input := residual
	if p.residual == ResidualDiscard {
		h1Input = emb
	}
	h1, err := p.attnNorm.fwd(h1Input)
	if err != nil {
		return nil, err
	}

	ff, err := p.inner.fwd(h1)
	if err != nil {
		return nil, errors.Wrap(err, "inner feed-forward")
	}
	if ff, err = p.outer.fwd(ff); err != nil {
		return nil, errors.Wrap(err, "outer feed-forward")
	}
	if ff, err = G.Add(ff, h1); err != nil {
		return nil, errors.Wrap(err, "feed-forward residual")
	}
	h2, err := p.ffNorm.fwd(ff)
	if err != nil {
		return nil, err
	}

	h2, err = G.Reshape(h2, tensor.Shape{p.batch, p.length, p.embed})
	if err != nil {
		return nil, errors.Wrap(err, "separating sequences")
	}
	pooled, err := G.Sum(h2, 1)
	if err != nil {
		return nil, errors.Wrap(err, "pooling")
	}

	// Reductions of a [1, length, embed] tensor may drop the batch
	// axis
	if !pooled.IsMatrix() {
		pooled, err = G.Reshape(pooled, tensor.Shape{p.batch, p.embed})
		if err != nil {
			return nil, errors.Wrap(err, "pooling")
		}
	}
	return pooled, nil
}
