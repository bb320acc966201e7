package ws

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/evetabi/crash/internal/domain"
)

// newChallenge draws the single-use nonce a session must have signed before
// a wallet login is accepted.
func newChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ws: challenge nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoginMessage is the text wallets personal-sign to authenticate.  The wallet
// address ties the signature to one account; the server-issued nonce ties it
// to one session, so a captured signature cannot be replayed.
func LoginMessage(wallet, nonce string) string {
	return fmt.Sprintf("Sign in to evetabi crash as %s (nonce %s)", strings.ToLower(wallet), nonce)
}

// verifyWalletSignature checks an EIP-191 personal-sign signature over
// LoginMessage(wallet, nonce) and confirms the recovered address matches.
func verifyWalletSignature(wallet, nonce, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", domain.ErrUnauthenticated)
	}
	// Wallets emit V as 27/28; crypto.SigToPub wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	hash := accounts.TextHash([]byte(LoginMessage(wallet, nonce)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: signature recovery failed", domain.ErrUnauthenticated)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return fmt.Errorf("%w: signature does not match wallet", domain.ErrUnauthenticated)
	}
	return nil
}

// issueToken signs a session JWT for reconnects.
func issueToken(secret []byte, userID uuid.UUID, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parseToken validates a session JWT and extracts the user id.
func parseToken(secret []byte, tokenString string) (uuid.UUID, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return uuid.Nil, domain.ErrUnauthenticated
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, domain.ErrUnauthenticated
	}
	sub, _ := claims.GetSubject()
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, domain.ErrUnauthenticated
	}
	return id, nil
}
