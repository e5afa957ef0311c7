package wireprotocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessageRoundTrip_Crop(t *testing.T) {
	req := RequestMessage{
		MessageID:      "11111111-1111-1111-1111-111111111111",
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Procedure:      ProcedureCrop,
		InputImageURI:  "images/p1/img1.png",
		OutputImageURI: "images/p1/output/img1/v1.png",
		Params:         CropParams{Start: Point{X: 1, Y: 2}, End: Point{X: 10, Y: 20}},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded RequestMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, req.MessageID, decoded.MessageID)
	assert.Equal(t, req.Procedure, decoded.Procedure)
	assert.Equal(t, req.InputImageURI, decoded.InputImageURI)
	assert.Equal(t, req.OutputImageURI, decoded.OutputImageURI)
	assert.Equal(t, CropParams{Start: Point{X: 1, Y: 2}, End: Point{X: 10, Y: 20}}, decoded.Params)
}

func TestRequestMessageUnmarshal_FlatParametersObject(t *testing.T) {
	raw := `{
		"messageId": "m1",
		"timestamp": "2026-01-02T03:04:05Z",
		"procedure": "scale",
		"parameters": { "inputImageURI": "in.png", "outputImageURI": "out.png", "x": 100, "y": 200 }
	}`

	var req RequestMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, "in.png", req.InputImageURI)
	assert.Equal(t, "out.png", req.OutputImageURI)
	assert.Equal(t, ScaleParams{X: 100, Y: 200}, req.Params)
}

func TestRequestMessageUnmarshal_NoParamProcedure(t *testing.T) {
	raw := `{
		"messageId": "m1",
		"timestamp": "2026-01-02T03:04:05Z",
		"procedure": "grayscale",
		"parameters": { "inputImageURI": "in.png", "outputImageURI": "out.png" }
	}`

	var req RequestMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Nil(t, req.Params)
}

func TestResponseMessageRoundTrip_Success(t *testing.T) {
	resp := NewImageResponse("m2", "m1", "out.png", 0.125, "tools-service")
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded ResponseMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, StatusSuccess, decoded.Status)
	require.NotNil(t, decoded.Output)
	assert.Equal(t, OutputTypeImage, decoded.Output.Type)
	assert.Equal(t, "out.png", decoded.Output.ImageURI)
	assert.Nil(t, decoded.Error)
}

func TestResponseMessageRoundTrip_Error(t *testing.T) {
	resp := NewErrorResponse("m2", "m1", ErrorCodeToolApplyFailure, "crop out of bounds", 0.01, "tools-service")
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded ResponseMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, StatusError, decoded.Status)
	assert.Nil(t, decoded.Output)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, ErrorCodeToolApplyFailure, decoded.Error.Code)
}

func TestProcedureRecognized(t *testing.T) {
	assert.True(t, ProcedureOCR.Recognized())
	assert.True(t, ProcedureOCR.ProducesText())
	assert.False(t, ProcedureCrop.ProducesText())
	assert.False(t, Procedure("unknown").Recognized())
}
