package clob

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Type hashes are keccak256 of the canonical EIP-712 type strings the
// exchange contracts verify against.
var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	authTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,uint256 timestamp,uint256 nonce)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// signedOrder carries the twelve EIP-712 order fields plus the resulting
// signature, ready to be serialized into the order endpoint's body. Large
// numbers stay decimal strings so JSON never loses precision.
type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// Signer signs orders and auth messages with a secp256k1 key for the
// exchange's EIP-712 domain.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domainSep []byte
}

func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("clob: invalid private key: %w", err)
	}
	s := &Signer{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
	s.domainSep = ethcrypto.Keccak256(concat(
		domainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		uint256Bytes(big.NewInt(int64(chainID))),
	))
	return s, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuth signs the ClobAuth message used to derive API credentials.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(concat(
		authTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		uint256Bytes(big.NewInt(timestamp)),
		uint256Bytes(big.NewInt(nonce)),
	))
	return s.sign(digest(s.domainSep, structHash))
}

// SignOrder hashes the order struct per EIP-712 and fills in the signature
// field. sideCode is 0 for BUY, 1 for SELL.
func (s *Signer) SignOrder(order *signedOrder, sideCode int) error {
	salt, err := parseUint256(order.Salt, "salt")
	if err != nil {
		return err
	}
	tokenID, err := parseUint256(order.TokenID, "tokenId")
	if err != nil {
		return err
	}
	makerAmt, err := parseUint256(order.MakerAmount, "makerAmount")
	if err != nil {
		return err
	}
	takerAmt, err := parseUint256(order.TakerAmount, "takerAmount")
	if err != nil {
		return err
	}
	expiration, err := parseUint256(order.Expiration, "expiration")
	if err != nil {
		return err
	}
	nonce, err := parseUint256(order.Nonce, "nonce")
	if err != nil {
		return err
	}
	feeRate, err := parseUint256(order.FeeRateBps, "feeRateBps")
	if err != nil {
		return err
	}
	structHash := ethcrypto.Keccak256(concat(
		orderTypeHash,
		uint256Bytes(salt),
		common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32),
		uint256Bytes(tokenID),
		uint256Bytes(makerAmt),
		uint256Bytes(takerAmt),
		uint256Bytes(expiration),
		uint256Bytes(nonce),
		uint256Bytes(feeRate),
		uint256Bytes(big.NewInt(int64(sideCode))),
		uint256Bytes(big.NewInt(int64(order.SignatureType))),
	))
	sig, err := s.sign(digest(s.domainSep, structHash))
	if err != nil {
		return err
	}
	order.Signature = sig
	return nil
}

func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("clob: sign: %w", err)
	}
	// go-ethereum yields v in {0,1}; the verifier expects {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func digest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concat([]byte{0x19, 0x01}, domainSep, structHash))
}

func parseUint256(raw, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("clob: invalid %s %q", field, raw)
	}
	return n, nil
}

func uint256Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concat(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}
