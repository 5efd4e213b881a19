package extractor_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/evidence"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
	"github.com/Mindburn-Labs/regtruth/pkg/observability"
	"github.com/Mindburn-Labs/regtruth/pkg/store"
)

const vatText = "Članak 38. Porez na dodanu vrijednost obračunava se i plaća po stopi od 25%. " +
	"Iznimno, po stopi od 13% za usluge smještaja."

func setup(t *testing.T) (*store.Store, *model.Evidence) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ev, err := evidence.NewStore(db, nil, audit.Nop()).Put(ctx, "https://narodne-novine.nn.hr/pdv", "text/plain", []byte(vatText))
	require.NoError(t, err)
	return db, ev
}

func TestCheck_Reasons(t *testing.T) {
	cases := []struct {
		name string
		c    extractor.Candidate
		want model.RejectionReason
	}{
		{"valid", extractor.Candidate{ExtractedValue: "25", ExactQuote: "plaća po stopi od 25%", Confidence: 0.9}, ""},
		{"whitespace tolerant", extractor.Candidate{ExtractedValue: "25", ExactQuote: "plaća  po\nstopi od 25%", Confidence: 0.9}, ""},
		{"empty quote", extractor.Candidate{ExtractedValue: "25", ExactQuote: "  ", Confidence: 0.9}, model.RejectEmptyQuote},
		{"fabricated", extractor.Candidate{ExtractedValue: "20", ExactQuote: "po stopi od 20%", Confidence: 0.9}, model.RejectNoQuoteMatch},
		{"case significant", extractor.Candidate{ExtractedValue: "25", ExactQuote: "PLAĆA PO STOPI OD 25%", Confidence: 0.9}, model.RejectNoQuoteMatch},
		{"value not in quote", extractor.Candidate{ExtractedValue: "10", ExactQuote: "po stopi od 13%", Confidence: 0.9}, model.RejectValueNotInQuote},
		{"display value cannot stand in", extractor.Candidate{ExtractedValue: "13", DisplayValue: "25%", ExactQuote: "plaća po stopi od 25%", Confidence: 0.9}, model.RejectValueNotInQuote},
		{"display value must occur", extractor.Candidate{ExtractedValue: "25", DisplayValue: "25 posto", ExactQuote: "plaća po stopi od 25%", Confidence: 0.9}, model.RejectValueNotInQuote},
		{"display value alongside", extractor.Candidate{ExtractedValue: "25", DisplayValue: "25%", ExactQuote: "plaća po stopi od 25%", Confidence: 0.9}, ""},
		{"confidence range", extractor.Candidate{ExtractedValue: "25", ExactQuote: "stopi od 25%", Confidence: 1.2}, model.RejectInvalidConfidence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, _ := extractor.Check(vatText, tc.c)
			assert.Equal(t, tc.want, reason)
		})
	}
}

func TestCheck_DecimalComma(t *testing.T) {
	reason, _ := extractor.Check("Iznos je 1000,50 EUR.", extractor.Candidate{ExtractedValue: "1000.50", ExactQuote: "Iznos je 1000,50 EUR", Confidence: 1})
	assert.Empty(t, reason)
}

func TestCheck_GroupedDigits(t *testing.T) {
	text := "Prag je godišnji primitak do 40.000,00 EUR."
	reason, _ := extractor.Check(text, extractor.Candidate{ExtractedValue: "40000.00", ExactQuote: "primitak do 40.000,00 EUR", Confidence: 1})
	assert.Empty(t, reason)

	reason, _ = extractor.Check(text, extractor.Candidate{ExtractedValue: "39000.00", DisplayValue: "40.000,00", ExactQuote: "primitak do 40.000,00 EUR", Confidence: 1})
	assert.Equal(t, model.RejectValueNotInQuote, reason)
}

func TestAccept_PersistsPointersAndRejections(t *testing.T) {
	db, ev := setup(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	x := extractor.New(db, nil).WithMetrics(metrics)
	res, err := x.Accept(ctx, ev.ID, []extractor.Candidate{
		{Domain: "vat", ValueType: "percentage", ExtractedValue: "25", ExactQuote: "po stopi od 25%", Confidence: 0.95, Shape: "threshold"},
		{Domain: "vat", ValueType: "percentage", ExtractedValue: "5", ExactQuote: "po stopi od 5%", Confidence: 0.95},
	})
	require.NoError(t, err)
	require.Len(t, res.Pointers, 1)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, model.RejectNoQuoteMatch, res.Rejections[0].Reason)

	stored, err := db.GetPointer(ctx, res.Pointers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "threshold", stored.Shape)

	n, err := db.CountRejections(ctx, model.RejectNoQuoteMatch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.5, x.RejectionRate(), 1e-9)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var rejections int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "regtruth.extraction.rejections" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					rejections += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), rejections)
}

func TestAccept_RecordsUnencodableConfidence(t *testing.T) {
	db, ev := setup(t)
	res, err := extractor.New(db, nil).Accept(context.Background(), ev.ID, []extractor.Candidate{
		{Domain: "vat", ExtractedValue: "25", ExactQuote: "po stopi od 25%", Confidence: math.NaN()},
	})
	require.NoError(t, err)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, model.RejectInvalidConfidence, res.Rejections[0].Reason)

	var recorded map[string]any
	require.NoError(t, json.Unmarshal(res.Rejections[0].Candidate, &recorded))
	assert.Nil(t, recorded["confidence"])
	assert.Equal(t, "25", recorded["extracted_value"])
}

func TestAccept_MissingEvidence(t *testing.T) {
	db, _ := setup(t)
	res, err := extractor.New(db, nil).Accept(context.Background(), "nope", []extractor.Candidate{{ExtractedValue: "1", ExactQuote: "1"}})
	require.NoError(t, err)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, model.RejectEvidenceMissing, res.Rejections[0].Reason)
}

func TestProbe(t *testing.T) {
	assert.NoError(t, extractor.New(nil, nil).Probe(context.Background()))
}

func TestOpenAIProposer_FlowsThroughContract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		facts := `{"facts":[
			{"domain":"vat","value_type":"percentage","extracted_value":"13","exact_quote":"po stopi od 13%","confidence":0.9,"shape":"threshold"},
			{"domain":"vat","value_type":"percentage","extracted_value":"10","exact_quote":"po stopi od 10%","confidence":0.9}]}`
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: facts},
				FinishReason: "stop",
			}},
		})
	}))
	defer server.Close()

	proposer, err := extractor.NewOpenAIProposer(config.ProposerConfig{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	db, ev := setup(t)
	res, err := extractor.New(db, proposer).Extract(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, res.Pointers, 1)
	assert.Equal(t, "13", res.Pointers[0].ExtractedValue)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, model.RejectNoQuoteMatch, res.Rejections[0].Reason)
}

func TestNewOpenAIProposer_RequiresKey(t *testing.T) {
	_, err := extractor.NewOpenAIProposer(config.ProposerConfig{})
	assert.Error(t, err)
}
