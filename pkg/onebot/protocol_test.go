package onebot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		raw  string
		want string
	}{
		{"string", `"hello"`, "", "hello"},
		{"cq codes", `"hi [CQ:face,id=14] there [CQ:image,file=a.jpg,url=x]"`, "", "hi [face] there [image]"},
		{"escaped brackets", `"&#91;not a code&#93; &amp; more"`, "", "[not a code] & more"},
		{"segments", `[{"type":"text","data":{"text":"hey "}},{"type":"at","data":{"qq":"42"}},{"type":"image","data":{"file":"x"}}]`, "", "hey @42[image]"},
		{"numeric segment data", `[{"type":"at","data":{"qq":1234567890}},{"type":"text","data":{"text":" hi"}},{"type":"face","data":{"id":14}}]`, "", "@1234567890 hi[face]"},
		{"at all", `[{"type":"at","data":{"qq":"all"}},{"type":"text","data":{"text":" meeting"}}]`, "", "@all meeting"},
		{"empty message uses raw", ``, "from raw [CQ:face,id=1]", "from raw [face]"},
		{"garbage uses raw", `{"x":1}`, "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(json.RawMessage(tt.msg), tt.raw))
		})
	}
}

func TestActionRequestShape(t *testing.T) {
	data, err := json.Marshal(ActionRequest{
		Action: ActionSendGroupMsg,
		Params: SendGroupMsgParams{GroupID: 1001, Message: "hi"},
		Echo:   "abc",
	})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "send_group_msg", generic["action"])
	assert.Equal(t, "abc", generic["echo"])
	params := generic["params"].(map[string]any)
	assert.EqualValues(t, 1001, params["group_id"])
	assert.Equal(t, "hi", params["message"])
}
