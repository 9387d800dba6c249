// Package wallet verifies personal_sign (EIP-191) signatures produced by
// browser wallets and builds the login messages users are asked to sign.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Set of errors returned by the package.
var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match wallet address")
)

const (
	messageHeader = "Sign in to Survey Rewards"
	noncePrefix   = "Nonce: "
)

// NormalizeAddress validates a hex address and returns its EIP-55 checksummed form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(address).Hex(), nil
}

// Verify checks that signature is a personal_sign signature of message made
// by the private key behind address. Recovery ids 0/1 and 27/28 are accepted.
func Verify(address, message, signature string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	signer, err := Recover(message, signature)
	if err != nil {
		return err
	}

	if !strings.EqualFold(signer.Hex(), addr) {
		return ErrSignerMismatch
	}
	return nil
}

// Recover returns the address that produced signature over message.
func Recover(message, signature string) (common.Address, error) {
	signature = strings.TrimSpace(signature)
	if !strings.HasPrefix(signature, "0x") && !strings.HasPrefix(signature, "0X") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	// Wallets add 27 to the recovery id; the crypto package wants 0 or 1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id", ErrInvalidSignature)
	}

	publicKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// AuthMessage builds the message a wallet signs to register or log in.
func AuthMessage(nonce string) string {
	return messageHeader + "\n" + noncePrefix + nonce
}

// NonceFromMessage extracts the nonce embedded by AuthMessage.
func NonceFromMessage(message string) (string, bool) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, noncePrefix) {
			nonce := strings.TrimSpace(strings.TrimPrefix(line, noncePrefix))
			return nonce, nonce != ""
		}
	}
	return "", false
}

// Verifier adapts Verify to interfaces expecting a method.
type Verifier struct{}

// Verify calls the package level Verify.
func (Verifier) Verify(address, message, signature string) error {
	return Verify(address, message, signature)
}
