// cmd/seed posts one signed synthetic order to a running coordinator's
// HTTP control plane, exercising spec.md §8's happy-path scenario by hand
// against a dev deployment. Not part of the production surface.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unite-defi/relayer/internal/sig"
	"github.com/unite-defi/relayer/internal/types"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "coordinator control-plane base URL")
	srcChain := flag.String("src-chain", "84532", "source chain-id")
	dstChain := flag.String("dst-chain", "421614", "destination chain-id")
	escrowFactory := flag.String("escrow-factory", "0x0000000000000000000000000000000000000001", "escrow factory address for src-chain")
	srcToken := flag.String("src-token", "0x0000000000000000000000000000000000000002", "source token address")
	dstToken := flag.String("dst-token", "0x0000000000000000000000000000000000000003", "destination token address")
	srcAmount := flag.String("src-amount", "1000000", "source amount, base units")
	minPrice := flag.String("min-price", "900000", "minAcceptablePrice at the 6-decimal internal scale")
	orderDuration := flag.Int64("order-duration", 300, "order lifetime, seconds")
	flag.Parse()

	makerKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate maker key: %v", err)
	}
	maker := crypto.PubkeyToAddress(makerKey.PublicKey).Hex()

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		log.Fatalf("generate preimage: %v", err)
	}
	hash := sha256.Sum256(preimage)

	srcAmt, ok := new(big.Int).SetString(*srcAmount, 10)
	if !ok {
		log.Fatalf("invalid src-amount %q", *srcAmount)
	}
	minP, ok := new(big.Int).SetString(*minPrice, 10)
	if !ok {
		log.Fatalf("invalid min-price %q", *minPrice)
	}

	intent := types.Intent{
		Maker:              maker,
		SrcChain:           *srcChain,
		SrcToken:           *srcToken,
		SrcAmount:          srcAmt,
		DstChain:           *dstChain,
		DstToken:           *dstToken,
		SecretHash:         hex.EncodeToString(hash[:]),
		MinAcceptablePrice: minP,
		OrderDuration:      *orderDuration,
		Nonce:              1,
		Deadline:           time.Now().Add(time.Hour).Unix(),
	}

	verifier := sig.NewVerifier("unite-defi-coordinator", "1", func(chainID string) (string, error) {
		return *escrowFactory, nil
	})
	digest, err := verifier.StructuralHash(intent)
	if err != nil {
		log.Fatalf("compute structural hash: %v", err)
	}
	signature, err := crypto.Sign(digest[:], makerKey)
	if err != nil {
		log.Fatalf("sign order: %v", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"intent":    intent,
		"signature": "0x" + hex.EncodeToString(signature),
		"preimage":  hex.EncodeToString(preimage),
	})
	if err != nil {
		log.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(*apiURL+"/swaps", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("post createSwap: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode response: %v", err)
	}
	fmt.Printf("maker=%s status=%d response=%v\n", maker, resp.StatusCode, out)
}
