package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Position
		wantErr bool
	}{
		{name: "finished", input: "f", want: FinishedPosition{}},
		{name: "placeholder", input: "p", want: PlaceholderPosition{}},
		{name: "primary key", input: "i,100,2000", want: PrimaryKeyPosition{Begin: 100, End: 2000}},
		{name: "log", input: "l,987654", want: LogPosition{Sequence: 987654}},
		{name: "garbage", input: "x,1", wantErr: true},
		{name: "primary key missing field", input: "i,100", wantErr: true},
		{name: "primary key non numeric", input: "i,a,b", wantErr: true},
		{name: "log non numeric", input: "l,abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePosition(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPosition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestIsFinished(t *testing.T) {
	assert.True(t, IsFinished(FinishedPosition{}))
	assert.False(t, IsFinished(PlaceholderPosition{}))
	assert.False(t, IsFinished(PrimaryKeyPosition{Begin: 0, End: 10}))
	assert.False(t, IsFinished(LogPosition{Sequence: 1}))
}
