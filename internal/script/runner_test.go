package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(`function transform(event) { return event; }`))
	assert.ErrorIs(t, Validate(`function other() {}`), ErrNoTransform)
	assert.ErrorIs(t, Validate(`var transform = 42;`), ErrNoTransform)
	assert.Error(t, Validate(`function transform( {`), "syntax errors must fail validation")
}

func TestRunRewritesDataAndHeaders(t *testing.T) {
	src := `
		function transform(event) {
			event.data.redacted = true;
			delete event.data.card_number;
			event.headers["X-Env"] = "prod";
			return { data: event.data, headers: event.headers };
		}`

	out, err := Run(src, Input{
		EventType: "order.paid",
		Data:      map[string]any{"order_id": "ord_1", "card_number": "4111"},
		Headers:   map[string]string{"X-Tenant": "glasto"},
	})
	require.NoError(t, err)
	require.False(t, out.Dropped)

	assert.Equal(t, true, out.Data["redacted"])
	assert.NotContains(t, out.Data, "card_number")
	assert.Equal(t, "prod", out.Headers["X-Env"])
	assert.Equal(t, "glasto", out.Headers["X-Tenant"])
}

func TestRunNullDrops(t *testing.T) {
	out, err := Run(`function transform(event) { return null; }`, Input{EventType: "order.paid"})
	require.NoError(t, err)
	assert.True(t, out.Dropped)
}

func TestRunFiltersByEventType(t *testing.T) {
	src := `
		function transform(event) {
			if (event.event_type.indexOf("wallet.") === 0) { return null; }
			return { data: event.data, headers: event.headers };
		}`

	out, err := Run(src, Input{EventType: "wallet.topup", Data: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, out.Dropped)

	out, err = Run(src, Input{EventType: "order.paid", Data: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, out.Dropped)
}

func TestRunTimesOut(t *testing.T) {
	_, err := Run(`function transform(event) { while (true) {} }`, Input{EventType: "order.paid"})
	assert.ErrorIs(t, err, ErrScriptTimeout)
}

func TestRunRejectsOversizedScript(t *testing.T) {
	big := make([]byte, maxScriptSize+1)
	for i := range big {
		big[i] = ' '
	}
	_, err := Run(string(big), Input{})
	assert.ErrorIs(t, err, ErrScriptTooLarge)
}
