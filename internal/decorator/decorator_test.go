package decorator

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yousuf/sharpen/internal/frame"
)

type fakeFrame struct {
	method *Method
	err    error
	offset int
	panics bool
}

func (f fakeFrame) Method() (*Method, error) {
	if f.panics {
		panic("runtime exploded")
	}
	return f.method, f.err
}

func (f fakeFrame) ILOffset() int { return f.offset }

type fakeException struct {
	typeName string
	message  string
	frames   []StackFrame
}

func (e fakeException) TypeName() string {
	return e.typeName
}

func (e fakeException) Message() string {
	return e.message
}

func (e fakeException) StackTrace() []StackFrame {
	return e.frames
}

func params(p ...Param) func() ([]Param, error) {
	return func() ([]Param, error) { return p, nil }
}

func TestDecorateStack(t *testing.T) {
	frames := []StackFrame{
		fakeFrame{
			method: &Method{
				DeclaringType: "Car",
				Name:          "Start",
				Token:         0x06001234,
				Params:        params(Param{TypeName: "Action`1", Name: "onStop"}, Param{TypeName: "Int32"}),
			},
			offset: 0x123,
		},
		fakeFrame{
			method: &Method{DeclaringType: "Program", Name: "Main", Token: 0x06000001},
			offset: 7,
		},
	}

	out, err := DecorateStack(frames)
	require.NoError(t, err)
	assert.Equal(t,
		"    at Car.Start(Action`1 onStop, Int32) IL_0123 T_06001234\n"+
			"    at Program.Main() IL_0007 T_06000001\n",
		out)
}

func TestDecorateSkipsUnrenderableFrames(t *testing.T) {
	good := fakeFrame{method: &Method{DeclaringType: "A.B", Name: "C", Token: 0x06000002}, offset: 0x10}
	frames := []StackFrame{
		nil,
		fakeFrame{},
		fakeFrame{err: errors.New("no metadata")},
		fakeFrame{method: &Method{Name: "Orphan", Token: 0x06000003}},
		fakeFrame{method: &Method{DeclaringType: "X", Name: "Y"}, offset: -1},
		fakeFrame{panics: true},
		good,
	}

	lines := slices.Collect(Lines(frames))
	assert.Equal(t, []string{"    at A.B.C() IL_0010 T_06000002"}, lines)
}

func TestDecorateParamsFailure(t *testing.T) {
	frames := []StackFrame{
		fakeFrame{method: &Method{
			DeclaringType: "A",
			Name:          "Err",
			Token:         0x06000001,
			Params:        func() ([]Param, error) { return nil, errors.New("nope") },
		}},
		fakeFrame{method: &Method{
			DeclaringType: "A",
			Name:          "Panic",
			Token:         0x06000002,
			Params:        func() ([]Param, error) { panic("nope") },
		}},
	}

	lines := slices.Collect(Lines(frames))
	assert.Equal(t, []string{
		"    at A.Err() IL_0000 T_06000001",
		"    at A.Panic() IL_0000 T_06000002",
	}, lines)
}

func TestDecorateNoStack(t *testing.T) {
	_, err := DecorateStack(nil)
	assert.ErrorIs(t, err, ErrNoStackAvailable)

	_, err = DecorateStack([]StackFrame{fakeFrame{}})
	assert.ErrorIs(t, err, ErrNoStackAvailable)

	_, err = Decorate(nil)
	assert.ErrorIs(t, err, ErrNoStackAvailable)

	_, err = Decorate(fakeException{typeName: "E", message: "m"})
	assert.ErrorIs(t, err, ErrNoStackAvailable)

	_, err = Decorate(fakeException{typeName: "E", message: "m", frames: []StackFrame{fakeFrame{panics: true}}})
	assert.ErrorIs(t, err, ErrNoStackAvailable)
}

func TestDecorateException(t *testing.T) {
	ex := fakeException{
		typeName: "System.InvalidOperationException",
		message:  "engine stalled",
		frames: []StackFrame{
			fakeFrame{method: &Method{DeclaringType: "Car", Name: "Start", Token: 0x06000004}, offset: 0x2a},
		},
	}

	out, err := Decorate(ex)
	require.NoError(t, err)
	assert.Equal(t,
		"System.InvalidOperationException: engine stalled\n"+
			"    at Car.Start() IL_002a T_06000004\n",
		out)
}

func TestLinesStopsEarly(t *testing.T) {
	frames := []StackFrame{
		fakeFrame{method: &Method{DeclaringType: "A", Name: "One", Token: 0x06000001}},
		fakeFrame{panics: true},
	}

	for line := range Lines(frames) {
		assert.Equal(t, "    at A.One() IL_0000 T_06000001", line)
		break
	}
}

func TestDecoratedLinesDecode(t *testing.T) {
	m := &Method{
		DeclaringType: "Shop.Checkout+Cart",
		Name:          "Total",
		Token:         0x060000ff,
		Params:        params(Param{TypeName: "Decimal", Name: "discount"}),
	}

	for line := range Lines([]StackFrame{fakeFrame{method: m, offset: 0x44}}) {
		f, ok := frame.Decode(line)
		require.True(t, ok)
		assert.Equal(t, "Shop.Checkout+Cart.Total", f.Symbol)
		assert.Equal(t, "Decimal discount", f.Params)
		assert.Equal(t, uint32(0x44), f.Offset)
		assert.Equal(t, frame.Token{Kind: frame.KindMethodDef, Value: 0xff}, f.Token)
	}
}
