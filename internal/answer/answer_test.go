package answer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
	"github.com/evidentia-ai/evidentia/internal/store"
)

// scriptedChat returns its responses in order, then repeats the last.
type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func testPassages(texts ...string) []*retrieval.Passage {
	passages := make([]*retrieval.Passage, len(texts))
	for i, text := range texts {
		passages[i] = &retrieval.Passage{
			Chunk: &store.Chunk{ID: store.ChunkID("doc", i), DocID: "doc", Ordinal: i, Text: text},
			Rank:  i + 1,
		}
	}
	return passages
}

func validResponse(answer string, evidence []int) string {
	resp := map[string]any{
		"answer":              answer,
		"answer_type":         "direct",
		"abstained":           false,
		"faithfulness":        0.9,
		"completeness":        0.9,
		"missing_information": []string{},
		"reasoning_notes":     "answer taken from cited passage",
		"clarifying_question": "",
		"evidence":            evidence,
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestGenerate_DirectAnswerCarriesMetricsAndCitations(t *testing.T) {
	passages := testPassages(
		"The warranty covers manufacturing defects for 24 months from purchase.",
		"Claims require the original receipt.",
	)
	chat := &scriptedChat{responses: []string{
		validResponse("The warranty covers manufacturing defects for 24 months.", []int{1}),
	}}
	g := NewGenerator(chat, nil)

	artifact, err := g.Generate(context.Background(), "how long does the warranty last", passages, nil)
	require.NoError(t, err)

	assert.Equal(t, KindDirect, artifact.Kind)
	assert.False(t, artifact.Abstained)
	require.NotNil(t, artifact.Faithfulness, "direct answers report metrics")
	require.NotNil(t, artifact.Completeness)
	assert.GreaterOrEqual(t, *artifact.Faithfulness, 0.5)
	assert.Equal(t, []string{"doc_chunk_0"}, artifact.CitedChunkIDs)
}

func TestGenerate_NoPassagesAbstainsWithoutLLMCall(t *testing.T) {
	chat := &scriptedChat{responses: []string{"should never be used"}}
	g := NewGenerator(chat, nil)

	artifact, err := g.Generate(context.Background(), "anything", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, KindAbstain, artifact.Kind)
	assert.True(t, artifact.Abstained)
	assert.Nil(t, artifact.Faithfulness, "abstentions report n/a metrics")
	assert.Nil(t, artifact.Completeness)
	assert.Zero(t, chat.calls)
}

func TestGenerate_UnsupportedNumberForcesAbstain(t *testing.T) {
	passages := testPassages("The warranty covers defects for 24 months.")
	chat := &scriptedChat{responses: []string{
		validResponse("The warranty lasts 36 months.", []int{1}),
	}}
	g := NewGenerator(chat, nil)

	artifact, err := g.Generate(context.Background(), "how long is the warranty", passages, nil)
	require.NoError(t, err)

	assert.Equal(t, KindAbstain, artifact.Kind)
	assert.True(t, artifact.Abstained)
	assert.Nil(t, artifact.Faithfulness)
	require.NotNil(t, artifact.Grounding)
	assert.Contains(t, artifact.Grounding.UnsupportedNumbers, "36")
}

func TestGenerate_UngroundedAnswerForcesAbstain(t *testing.T) {
	passages := testPassages("Open the rear tray and remove jammed paper gently.")
	chat := &scriptedChat{responses: []string{
		validResponse("Contact the billing department about refund eligibility windows.", []int{1}),
	}}
	g := NewGenerator(chat, nil)

	artifact, err := g.Generate(context.Background(), "how do I fix a paper jam", passages, nil)
	require.NoError(t, err)

	assert.Equal(t, KindAbstain, artifact.Kind)
	assert.True(t, artifact.Abstained)
}

func TestGenerate_MalformedThenRepairedResponse(t *testing.T) {
	passages := testPassages("Hold the reset button for ten seconds.")
	chat := &scriptedChat{responses: []string{
		"Sure! Here is the answer: hold the reset button.",
		validResponse("Hold the reset button for ten seconds.", []int{1}),
	}}
	g := NewGenerator(chat, nil)

	artifact, err := g.Generate(context.Background(), "how do I reset it", passages, nil)
	require.NoError(t, err)
	assert.Equal(t, KindDirect, artifact.Kind)
	assert.Equal(t, 2, chat.calls, "exactly one repair retry")
}

func TestGenerate_MalformedTwiceSurfacesError(t *testing.T) {
	passages := testPassages("some passage text here")
	chat := &scriptedChat{responses: []string{"not json", "still not json"}}
	g := NewGenerator(chat, nil)

	_, err := g.Generate(context.Background(), "question", passages, nil)
	require.Error(t, err)
	assert.Equal(t, everrors.ErrCodeResponseMalformed, everrors.CodeOf(err))
	assert.Equal(t, 2, chat.calls)
}

func TestParseResponse_RejectsUnknownFieldsAndBadOrdinals(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"answer":"x","answer_type":"direct","abstained":false,"extra":1,"evidence":[]}`},
		{"bad answer_type", `{"answer":"x","answer_type":"maybe","abstained":false,"evidence":[]}`},
		{"missing abstained", `{"answer":"x","answer_type":"direct","evidence":[]}`},
		{"ordinal out of range", `{"answer":"x","answer_type":"direct","abstained":false,"evidence":[5]}`},
		{"metric above one", `{"answer":"x","answer_type":"direct","abstained":false,"faithfulness":1.5,"evidence":[]}`},
		{"metric bad string", `{"answer":"x","answer_type":"direct","abstained":false,"faithfulness":"high","evidence":[]}`},
		{"clarification without question", `{"answer":"","answer_type":"clarification","abstained":false,"evidence":[]}`},
		{"trailing data", `{"answer":"x","answer_type":"direct","abstained":false,"evidence":[]}[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResponse(tt.content, 2)
			require.Error(t, err)
			assert.Equal(t, everrors.ErrCodeResponseMalformed, everrors.CodeOf(err))
		})
	}
}

func TestParseResponse_MetricNAIsAccepted(t *testing.T) {
	raw, err := parseResponse(`{"answer":"","answer_type":"abstain","abstained":true,"faithfulness":"n/a","completeness":"n/a","evidence":[]}`, 0)
	require.NoError(t, err)
	assert.True(t, *raw.Abstained)
}

func TestComputeGrounding_SupportedTermsWeightedByIDF(t *testing.T) {
	cited := []string{"The warranty covers defects for 24 months."}
	pool := append(cited, "Shipping takes five business days.", "Returns need a receipt.")

	g := computeGrounding("how long is the warranty", "The warranty covers defects for 24 months.", cited, pool)

	assert.InDelta(t, 1.0, g.SupportedTermRatio, 1e-9)
	assert.Empty(t, g.UnsupportedNumbers)
	assert.Greater(t, g.QAAlignment, 0.0)
	require.NotEmpty(t, g.SentencePrecision)
	assert.InDelta(t, 1.0, g.SentencePrecision[0], 1e-9)
}

func TestComputeGrounding_NumericNormalization(t *testing.T) {
	cited := []string{"The fee is $1,000.50 per incident."}
	g := computeGrounding("what is the fee", "You pay 1000.5 for each incident.", cited, cited)
	assert.Empty(t, g.UnsupportedNumbers, "$1,000.50 and 1000.5 normalize equal")
}

func TestComputeGrounding_EntityCoverageByType(t *testing.T) {
	cited := []string{"RouterX ships on 2024-05-01."}
	g := computeGrounding("when does it ship", "RouterX ships on 2024-05-01, says Acme Corp.", cited, cited)

	require.NotEmpty(t, g.Entities)
	assert.Less(t, g.EntityCoverage, 1.0, "Acme Corp is not in the cited passage")
	assert.Equal(t, 1.0, g.EntityByType[string(EntityProduct)])
}

func TestSpineCompleteness_FacetsRequireEvidence(t *testing.T) {
	ents := recognizeEntities("It costs $25 and ships March 3, 2025.")
	full := spineCompleteness("how much does it cost and when does it ship",
		"It costs $25 and ships March 3, 2025.", ents)
	assert.InDelta(t, 1.0, full, 1e-9)

	none := spineCompleteness("how much does it cost", "It is quite affordable overall.",
		recognizeEntities("It is quite affordable overall."))
	assert.Less(t, none, 1.0)
}

func TestRecognizeEntities_TypesAndSpans(t *testing.T) {
	text := "Pay $42.50 (a 10% fee) to Acme Corp by 2026-01-15."
	ents := recognizeEntities(text)

	types := make(map[EntityType]bool)
	for _, e := range ents {
		types[e.Type] = true
		assert.Equal(t, text[e.Span[0]:e.Span[1]], e.Text, "span indexes into the text")
	}
	assert.True(t, types[EntityMoney])
	assert.True(t, types[EntityPercent])
	assert.True(t, types[EntityDate])
	assert.True(t, types[EntityOrg])
}
