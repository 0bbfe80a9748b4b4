package ai

import (
	"testing"

	"github.com/kirillm/perp-agent/internal/domain"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "json code block",
			input: "```json\n{\"intents\": []}\n```",
			want:  "{\"intents\": []}\n",
		},
		{
			name:  "plain code block",
			input: "```\n{\"a\": 1}\n```",
			want:  "{\"a\": 1}\n",
		},
		{
			name:  "no block returns input",
			input: "{\"a\": 1}",
			want:  "{\"a\": 1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.input); got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateDecision(t *testing.T) {
	dc := NewDecisionClient(nil)

	tests := []struct {
		name    string
		intents []domain.TradingIntent
		wantErr bool
	}{
		{
			name: "valid batch",
			intents: []domain.TradingIntent{
				{Action: domain.ActionBuy, Symbol: "BTC"},
				{Action: domain.ActionStopLoss, Symbol: "BTC"},
			},
			wantErr: false,
		},
		{
			name:    "hold without symbol",
			intents: []domain.TradingIntent{{Action: domain.ActionHold}},
			wantErr: false,
		},
		{
			name:    "unknown action",
			intents: []domain.TradingIntent{{Action: "moon", Symbol: "BTC"}},
			wantErr: true,
		},
		{
			name:    "missing symbol",
			intents: []domain.TradingIntent{{Action: domain.ActionClose}},
			wantErr: true,
		},
		{
			name:    "empty batch",
			intents: nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dc.validateDecision(&DecisionResponse{Intents: tt.intents})
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDecision() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
