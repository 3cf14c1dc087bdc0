package settings

import (
	"github.com/tuneinsight/lattigo/v4/bfv"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// Wraps all the structs necessary for BFV
type HeBox struct {
	Params bfv.Parameters
	Sk     *rlwe.SecretKey
	Pk     *rlwe.PublicKey
	Kgen   rlwe.KeyGenerator
	Ecd    bfv.Encoder
	Enc    rlwe.Encryptor
	Dec    rlwe.Decryptor
	Evt    bfv.Evaluator
	Rlk    *rlwe.RelinearizationKey
}

func NewHeBox(params bfv.Parameters) (*HeBox, error) {
	box := &HeBox{Params: params, Kgen: bfv.NewKeyGenerator(params), Ecd: bfv.NewEncoder(params)}
	return box, nil
}

func (B *HeBox) WithKeys(sk *rlwe.SecretKey, pk *rlwe.PublicKey) {
	B.Sk = sk
	B.Pk = pk
}

func (B *HeBox) WithKey(sk *rlwe.SecretKey) {
	B.Sk = sk
}

func (B *HeBox) GenSk() *rlwe.SecretKey {
	sk := B.Kgen.GenSecretKey()
	B.WithKey(sk)
	B.WithEncryptor(bfv.NewEncryptor(B.Params, sk))
	B.WithDecryptor(rlwe.NewDecryptor(B.Params.Parameters, sk))
	return B.Sk
}

func (B *HeBox) GenRelinKey() *rlwe.RelinearizationKey {
	if B.Sk == nil {
		panic("Sk is not initialized")
	}
	B.Rlk = B.Kgen.GenRelinearizationKey(B.Sk, 2)
	B.WithEvaluator(bfv.NewEvaluator(B.Params, rlwe.EvaluationKey{Rlk: B.Rlk}))
	return B.Rlk
}

func (B *HeBox) WithEncoder(ecd bfv.Encoder) {
	B.Ecd = ecd
}

func (B *HeBox) WithEncryptor(enc rlwe.Encryptor) {
	B.Enc = enc
}

func (B *HeBox) WithDecryptor(dec rlwe.Decryptor) {
	B.Dec = dec
}

func (B *HeBox) WithEvaluator(evt bfv.Evaluator) {
	B.Evt = evt
}
