package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/metodievmartin/evm-txindex/internal/apperr"
	"github.com/metodievmartin/evm-txindex/internal/domain"
)

// Explorer is the block-explorer REST collaborator used to bulk-fetch an
// address's transaction history by block range (spec.md §4.3). It is the
// fallback the gap worker calls instead of walking every block via NodeRPC.
type Explorer interface {
	ListTransactions(ctx context.Context, addr domain.Address, from, to uint64) ([]domain.Transaction, error)
}

// explorerEnvelope mirrors an etherscan-style txlist response: a status
// code, a message, and a result array. Modeled on dwdwow-etherscan-go's
// GetNormalTransactions response shape.
type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// explorerTx is one entry of the txlist result array, field names matching
// the wire format of etherscan-compatible explorers (blockNumber, timeStamp,
// etc. are strings on the wire and parsed here into domain types).
type explorerTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasPrice        string `json:"gasPrice"`
	Gas             string `json:"gas"`
	GasUsed         string `json:"gasUsed"`
	FunctionName    string `json:"functionName"`
	TxReceiptStatus string `json:"txreceipt_status"`
	ContractAddress string `json:"contractAddress"`
	IsError         string `json:"isError"`
}

// HTTPExplorer calls an etherscan-compatible "account/txlist" endpoint over
// plain net/http. No ecosystem HTTP client library surfaced anywhere in the
// example pack for this kind of call (see DESIGN.md), so this adapter stays
// on the standard library the way the teacher's own code does for its own
// HTTP needs.
type HTTPExplorer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPExplorer builds an explorer client against baseURL (e.g.
// "https://api.etherscan.io/api"), authenticating with apiKey and bounding
// every call by timeout.
func NewHTTPExplorer(baseURL, apiKey string, timeout time.Duration) *HTTPExplorer {
	return &HTTPExplorer{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (e *HTTPExplorer) ListTransactions(ctx context.Context, addr domain.Address, from, to uint64) ([]domain.Transaction, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", addr.String())
	q.Set("startblock", strconv.FormatUint(from, 10))
	q.Set("endblock", strconv.FormatUint(to, 10))
	q.Set("sort", "asc")
	if e.apiKey != "" {
		q.Set("apikey", e.apiKey)
	}

	reqURL := e.baseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "upstream.Explorer.ListTransactions", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, classifyHTTPErr("upstream.Explorer.ListTransactions", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamTransient, "upstream.Explorer.ListTransactions", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindUpstreamTransient, "upstream.Explorer.ListTransactions",
			fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, body))
	}

	var envelope explorerEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperr.New(apperr.KindUpstreamInvalid, "upstream.Explorer.ListTransactions", err)
	}

	// "No transactions found" is reported by these APIs as status "0" with
	// a message field rather than an empty result array; treat it as zero
	// results instead of an error.
	if envelope.Status == "0" {
		if envelope.Message == "No transactions found" {
			return nil, nil
		}
		return nil, apperr.New(apperr.KindUpstreamTransient, "upstream.Explorer.ListTransactions",
			fmt.Errorf("explorer error: %s", envelope.Message))
	}

	var rows []explorerTx
	if err := json.Unmarshal(envelope.Result, &rows); err != nil {
		return nil, apperr.New(apperr.KindUpstreamInvalid, "upstream.Explorer.ListTransactions", err)
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := row.toDomain(addr)
		if err != nil {
			return nil, apperr.New(apperr.KindUpstreamInvalid, "upstream.Explorer.ListTransactions", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (t explorerTx) toDomain(addr domain.Address) (domain.Transaction, error) {
	blockNumber, err := strconv.ParseUint(t.BlockNumber, 10, 64)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("parse blockNumber %q: %w", t.BlockNumber, err)
	}
	unixSecs, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("parse timeStamp %q: %w", t.TimeStamp, err)
	}

	var gasUsed, gas *uint64
	if v, err := strconv.ParseUint(t.GasUsed, 10, 64); err == nil {
		gasUsed = &v
	}
	if v, err := strconv.ParseUint(t.Gas, 10, 64); err == nil {
		gas = &v
	}

	var toPtr, fnPtr, contractPtr *string
	if t.To != "" {
		toPtr = &t.To
	}
	if t.FunctionName != "" {
		fnPtr = &t.FunctionName
	}
	if t.ContractAddress != "" {
		contractPtr = &t.ContractAddress
	}

	// receiptStatus precedence: a present txreceipt_status is trusted as-is;
	// pre-Byzantium rows omit it, so isError is the fallback signal — "1"
	// (success) unless isError explicitly reports "1" (failure). Both wire
	// fields are consulted here, but only the resulting status is stored in
	// domain.Transaction (DESIGN.md open question: receiptStatus).
	receiptStatus := t.TxReceiptStatus
	if receiptStatus == "" {
		if t.IsError == "1" {
			receiptStatus = "0"
		} else {
			receiptStatus = "1"
		}
	}

	return domain.Transaction{
		Hash:            t.Hash,
		Address:         addr.String(),
		BlockNumber:     blockNumber,
		From:            t.From,
		To:              toPtr,
		Value:           t.Value,
		GasPrice:        t.GasPrice,
		GasUsed:         gasUsed,
		Gas:             gas,
		FunctionName:    fnPtr,
		ReceiptStatus:   receiptStatus,
		ContractAddress: contractPtr,
		Timestamp:       time.Unix(unixSecs, 0).UTC(),
	}, nil
}

func classifyHTTPErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindUpstreamTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.New(apperr.KindUpstreamTimeout, op, err)
	}
	return apperr.New(apperr.KindUpstreamTransient, op, err)
}
