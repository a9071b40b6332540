package providers

// RawUsage is the union of the usage field shapes the supported backends
// report. OpenAI-compatible APIs use prompt/completion/total tokens;
// Anthropic-style APIs use input/output with no total. An adapter fills in
// whichever fields its backend returned and NormalizeUsage maps them onto
// the canonical Usage shape.
type RawUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NormalizeUsage maps a backend usage report onto the canonical shape.
// Input always wins over prompt naming when both are set, and the total is
// recomputed so that TotalTokens == InputTokens + OutputTokens holds even
// for backends that report no total or an inconsistent one.
func NormalizeUsage(raw RawUsage) Usage {
	in := raw.InputTokens
	if in == 0 {
		in = raw.PromptTokens
	}
	out := raw.OutputTokens
	if out == 0 {
		out = raw.CompletionTokens
	}
	if in == 0 && out == 0 && raw.TotalTokens > 0 {
		// Some backends only report a total; attribute it to input so the
		// invariant still holds.
		in = raw.TotalTokens
	}
	return Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}
}

// AddUsage sums two normalized usage records, preserving the total
// invariant. The emulator uses it to account for corrective retries.
func AddUsage(a, b Usage) Usage {
	return Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.InputTokens + b.InputTokens + a.OutputTokens + b.OutputTokens,
	}
}
