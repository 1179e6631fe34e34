package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// errInvalidKey never carries the rejected input.
var errInvalidKey = errors.New("crypto/signer: invalid private key")

// AddressFromKey derives the checksummed address for a raw secp256k1 key.
func AddressFromKey(key Material) (string, error) {
	pk, err := ethcrypto.ToECDSA(key)
	if err != nil {
		return "", errInvalidKey
	}
	defer wipeKey(pk)
	return ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}

// ParseKeyHex decodes a hex private key, with or without 0x prefix.
func ParseKeyHex(s string) (Material, error) {
	pk, err := ethcrypto.HexToECDSA(trim0x(s))
	if err != nil {
		return nil, errInvalidKey
	}
	defer wipeKey(pk)
	return Material(ethcrypto.FromECDSA(pk)), nil
}

// wipeKey zeroes the scalar of a parsed key in place.
func wipeKey(pk *ecdsa.PrivateKey) {
	if pk == nil || pk.D == nil {
		return
	}
	words := pk.D.Bits()
	for i := range words {
		words[i] = 0
	}
	pk.D.SetInt64(0)
}

// TxSigner signs unsigned transactions built by the swap venue.
type TxSigner struct {
	signer types.Signer
}

// NewTxSigner creates a TxSigner for chainID.
func NewTxSigner(chainID int64) *TxSigner {
	return &TxSigner{signer: types.LatestSignerForChainID(big.NewInt(chainID))}
}

// Sign decodes an unsigned transaction, signs it with key, checks the sender
// matches expected, and returns the encoded signed transaction.
func (s *TxSigner) Sign(key Material, unsigned []byte, expected string) ([]byte, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(unsigned); err != nil {
		return nil, fmt.Errorf("crypto/signer: decode transaction: %w", err)
	}
	pk, err := ethcrypto.ToECDSA(key)
	if err != nil {
		return nil, errInvalidKey
	}
	defer wipeKey(pk)
	if got := ethcrypto.PubkeyToAddress(pk.PublicKey); expected != "" && got != common.HexToAddress(expected) {
		return nil, fmt.Errorf("crypto/signer: key does not match actor %s", expected)
	}
	signed, err := types.SignTx(&tx, s.signer, pk)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	out, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: encode transaction: %w", err)
	}
	return out, nil
}

// Sender recovers the sender address of a signed transaction.
func (s *TxSigner) Sender(signed []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return "", fmt.Errorf("crypto/signer: decode transaction: %w", err)
	}
	from, err := types.Sender(s.signer, &tx)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: recover sender: %w", err)
	}
	return from.Hex(), nil
}

// TxHash returns the hash of an encoded transaction.
func TxHash(encoded []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(encoded); err != nil {
		return "", fmt.Errorf("crypto/signer: decode transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
