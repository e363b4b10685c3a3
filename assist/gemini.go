package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini model investigations run against.
const DefaultModel = "gemini-2.0-flash"

// DefaultTimeout bounds one investigation call end to end.
const DefaultTimeout = 10 * time.Second

// =============================================================================
// GEMINI INVESTIGATOR
// =============================================================================

// Gemini asks a Gemini model to investigate a discrepancy. The response is
// constrained to a JSON schema, parsed into wire form, and validated before
// it is returned.
type Gemini struct {
	client  *genai.Client
	Model   string
	Timeout time.Duration
	log     zerolog.Logger
}

func NewGemini(client *genai.Client, log zerolog.Logger) *Gemini {
	return &Gemini{
		client:  client,
		Model:   DefaultModel,
		Timeout: DefaultTimeout,
		log:     log.With().Str("component", "assist").Logger(),
	}
}

func (g *Gemini) Investigate(ctx context.Context, req Request) (*Investigation, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: buildPrompt(req)}},
		},
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   investigationSchema,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate investigation: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return nil, fmt.Errorf("empty response from model")
	}

	var wire wireInvestigation
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("unmarshal investigation: %w", err)
	}

	inv, err := wire.toInvestigation(req)
	if err != nil {
		return nil, err
	}
	if err := Validate(inv); err != nil {
		return nil, err
	}

	g.log.Info().Str("account", req.AccountID).
		Int("fixes", len(inv.ProposedFixes)).
		Msg("investigation received")
	return inv, nil
}

const systemPrompt = `You are a forensic accountant investigating balance discrepancies in a
double-entry investment ledger. You are given a discrepancy (expected vs
calculated balance at a dated checkpoint) and an evidence bundle: nearby
ledger entries, nearby reported balances, and the raw source rows they were
parsed from.

Form ONE primary hypothesis about the cause, analyse the evidence for and
against it, and propose at most three fixes. Each fix lists the correcting
ledger lines to create (signed amounts: positive increases the account
balance), a confidence between 0 and 1, your assumptions, and the predicted
impact. The predicted balance change must equal the sum of the fix's entry
amounts. If the evidence is insufficient, propose no fixes and say why in
the uncertainties.`

// buildPrompt renders the request as compact text. Amounts are exact
// decimal strings; the model never sees floats.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DISCREPANCY (iteration %d, severity %s)\n", req.Iteration, req.Severity)
	fmt.Fprintf(&b, "account: %s\ncheckpoint date: %s\n", req.AccountID, req.CheckpointDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "expected balance: %s %s\ncalculated balance: %s %s\ndelta (expected - calculated): %s\n\n",
		req.Expected.StringFixed(2), req.Currency, req.Calculated.StringFixed(2), req.Currency,
		req.Delta.StringFixed(2))

	fmt.Fprintf(&b, "LEDGER ENTRIES (window around checkpoint)\n")
	for _, e := range req.Evidence.Entries {
		fmt.Fprintf(&b, "- %s %s %s %s %s %s (type=%s, sources=%v)\n",
			e.Date.Format("2006-01-02"), e.AccountID, e.AssetID, e.Side,
			e.Amount.StringFixed(2), e.Currency, e.Type, e.SourceRows)
	}

	fmt.Fprintf(&b, "\nREPORTED BALANCES\n")
	for _, c := range req.Evidence.Checkpoints {
		fmt.Fprintf(&b, "- %s: %s (row %s)\n", c.Date.Format("2006-01-02"), c.Balance.StringFixed(2), c.Row)
	}

	fmt.Fprintf(&b, "\nRAW SOURCE ROWS\n")
	for _, r := range req.Evidence.SourceRows {
		fmt.Fprintf(&b, "- %s: %v\n", r.Ref, r.Fields)
	}
	return b.String()
}

// =============================================================================
// WIRE FORMAT - Schema-constrained JSON, decimals as strings
// =============================================================================

var investigationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"hypothesis":        {Type: genai.TypeString},
		"evidence_analysis": {Type: genai.TypeString},
		"uncertainties":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"proposed_fixes": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"description": {Type: genai.TypeString},
					"confidence":  {Type: genai.TypeNumber},
					"assumptions": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"entries": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"date":       {Type: genai.TypeString, Description: "YYYY-MM-DD"},
								"account_id": {Type: genai.TypeString},
								"asset_id":   {Type: genai.TypeString},
								"action":     {Type: genai.TypeString},
								"amount":     {Type: genai.TypeString, Description: "signed decimal string"},
								"currency":   {Type: genai.TypeString},
								"memo":       {Type: genai.TypeString},
							},
							Required: []string{"date", "account_id", "amount"},
						},
					},
					"predicted_impact": {
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"balance_change":       {Type: genai.TypeString, Description: "signed decimal string"},
							"transactions_created": {Type: genai.TypeInteger},
							"checkpoints_resolved": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString, Description: "YYYY-MM-DD"}},
							"warnings":             {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
						},
						Required: []string{"balance_change"},
					},
				},
				Required: []string{"description", "confidence", "entries", "predicted_impact"},
			},
		},
	},
	Required: []string{"hypothesis", "evidence_analysis", "proposed_fixes"},
}

type wireInvestigation struct {
	Hypothesis       string    `json:"hypothesis"`
	EvidenceAnalysis string    `json:"evidence_analysis"`
	Uncertainties    []string  `json:"uncertainties"`
	ProposedFixes    []wireFix `json:"proposed_fixes"`
}

type wireFix struct {
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Assumptions []string    `json:"assumptions"`
	Entries     []wireEntry `json:"entries"`
	Impact      wireImpact  `json:"predicted_impact"`
}

type wireEntry struct {
	Date      string `json:"date"`
	AccountID string `json:"account_id"`
	AssetID   string `json:"asset_id"`
	Action    string `json:"action"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Memo      string `json:"memo"`
}

type wireImpact struct {
	BalanceChange       string   `json:"balance_change"`
	TransactionsCreated int      `json:"transactions_created"`
	CheckpointsResolved []string `json:"checkpoints_resolved"`
	Warnings            []string `json:"warnings"`
}

func (w wireInvestigation) toInvestigation(req Request) (*Investigation, error) {
	inv := &Investigation{
		ID:               "inv_" + uuid.NewString(),
		AccountID:        req.AccountID,
		CheckpointDate:   req.CheckpointDate,
		Hypothesis:       w.Hypothesis,
		EvidenceAnalysis: w.EvidenceAnalysis,
		Uncertainties:    w.Uncertainties,
		ReceivedAt:       time.Now().UTC(),
	}
	for i, wf := range w.ProposedFixes {
		fix, err := wf.toFix(req)
		if err != nil {
			return nil, fmt.Errorf("fix %d: %w", i, err)
		}
		inv.ProposedFixes = append(inv.ProposedFixes, fix)
	}
	return inv, nil
}

func (w wireFix) toFix(req Request) (ProposedFix, error) {
	fix := ProposedFix{
		Description: w.Description,
		Confidence:  w.Confidence,
		Assumptions: w.Assumptions,
	}
	for _, we := range w.Entries {
		date, err := time.Parse("2006-01-02", we.Date)
		if err != nil {
			return ProposedFix{}, fmt.Errorf("entry date %q: %w", we.Date, err)
		}
		amount, err := decimal.NewFromString(we.Amount)
		if err != nil {
			return ProposedFix{}, fmt.Errorf("entry amount %q: %w", we.Amount, err)
		}
		currency := we.Currency
		if currency == "" {
			currency = req.Currency
		}
		action := we.Action
		if action == "" {
			action = "correction"
		}
		fix.Entries = append(fix.Entries, FixEntry{
			Date:      date,
			AccountID: we.AccountID,
			AssetID:   we.AssetID,
			Action:    action,
			Amount:    amount,
			Currency:  currency,
			Memo:      we.Memo,
		})
	}

	change, err := decimal.NewFromString(w.Impact.BalanceChange)
	if err != nil {
		return ProposedFix{}, fmt.Errorf("balance change %q: %w", w.Impact.BalanceChange, err)
	}
	fix.Impact = PredictedImpact{
		BalanceChange:       change,
		TransactionsCreated: w.Impact.TransactionsCreated,
		Warnings:            w.Impact.Warnings,
	}
	for _, d := range w.Impact.CheckpointsResolved {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return ProposedFix{}, fmt.Errorf("resolved checkpoint %q: %w", d, err)
		}
		fix.Impact.CheckpointsResolved = append(fix.Impact.CheckpointsResolved, t)
	}
	return fix, nil
}
