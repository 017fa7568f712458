package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skybus/pkg/property"
)

func exposure() *property.Property {
	p := property.Must(property.NewNumber("CCD", "CCD_EXPOSURE", "Camera", "Exposure", property.Ok, property.ReadWrite, 1))
	p.Items[0].InitNumber("EXPOSURE", "Duration (s)", 0, 3600, 0.001, 1.5)
	p.Items[0].Number().Target = 2.25
	return p
}

func connection() *property.Property {
	p := property.Must(property.NewSwitch("CCD", "CONNECTION", "Main", "Connection", property.Ok, property.ReadWrite, property.OneOfMany, 2))
	p.Items[0].InitSwitch("CONNECTED", "Connected", true)
	p.Items[1].InitSwitch("DISCONNECTED", "Disconnected", false)
	return p
}

func roundTrip(t *testing.T, m *Msg, version property.Version) *Msg {
	t.Helper()
	data, err := Marshal(m, version)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data, []byte("\n")))
	out, err := Unmarshal(data)
	require.NoError(t, err, string(data))
	return out
}

func TestRoundTripSimple(t *testing.T) {
	tests := []struct {
		name string
		msg  *Msg
	}{
		{"get all", &Msg{Kind: GetProperties, Version: property.Version2}},
		{"get one", &Msg{Kind: GetProperties, Version: property.Version2, Device: "CCD", Name: "CCD_INFO"}},
		{"delete device", &Msg{Kind: Delete, Device: "CCD"}},
		{"delete property", &Msg{Kind: Delete, Device: "CCD", Name: "CCD_INFO", Text: "gone"}},
		{"message", &Msg{Kind: Message, Device: "CCD", Text: "Exposure done"}},
		{"enable blob", &Msg{Kind: EnableBlob, Device: "CCD", Mode: property.BlobNever}},
		{"enable blob url", &Msg{Kind: EnableBlob, Device: "CCD", Name: "CCD_IMAGE", Mode: property.BlobURL}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.msg, roundTrip(t, tt.msg, property.VersionCurrent))
		})
	}
}

func TestRoundTripNumber(t *testing.T) {
	for _, kind := range []Kind{Define, Update} {
		t.Run(kind.String(), func(t *testing.T) {
			out := roundTrip(t, &Msg{Kind: kind, Property: exposure(), Text: "note"}, property.Version2)
			require.NotNil(t, out.Property)
			assert.Equal(t, kind, out.Kind)
			assert.Equal(t, "note", out.Text)
			assert.Equal(t, "CCD", out.Property.Device)
			assert.Equal(t, "CCD_EXPOSURE", out.Property.Name)
			assert.Equal(t, property.Number, out.Property.Type)
			assert.Equal(t, property.Ok, out.Property.State)

			require.Len(t, out.Property.Items, 1)
			n := out.Property.Items[0].Number()
			require.NotNil(t, n)
			assert.Equal(t, 1.5, n.Value)
			assert.Equal(t, 2.25, n.Target)
			if kind == Define {
				assert.Equal(t, "Camera", out.Property.Group)
				assert.Equal(t, "Duration (s)", out.Property.Items[0].Label)
				assert.Equal(t, 3600.0, n.Max)
				assert.Equal(t, 0.001, n.Step)
				assert.Equal(t, "%g", n.Format)
			}
		})
	}
}

func TestLegacyPeerHasNoTarget(t *testing.T) {
	data, err := Marshal(&Msg{Kind: Update, Property: exposure()}, property.VersionLegacy)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "target=")

	out, err := Unmarshal(data)
	require.NoError(t, err)
	n := out.Property.Items[0].Number()
	assert.Equal(t, 1.5, n.Value)
	assert.Equal(t, 1.5, n.Target)
}

func TestNewVectorHasNoState(t *testing.T) {
	data, err := Marshal(&Msg{Kind: New, Property: exposure()}, property.Version2)
	require.NoError(t, err)
	s := string(data)
	assert.True(t, strings.HasPrefix(s, "<newNumberVector "), s)
	assert.NotContains(t, s, "state=")
	assert.NotContains(t, s, "target=")
}

func TestRoundTripSwitch(t *testing.T) {
	out := roundTrip(t, &Msg{Kind: Define, Property: connection()}, property.Version2)
	p := out.Property
	assert.Equal(t, property.Switch, p.Type)
	assert.Equal(t, property.OneOfMany, p.Rule)
	assert.Equal(t, property.ReadWrite, p.Perm)
	assert.True(t, p.IsOn("CONNECTED"))
	assert.False(t, p.IsOn("DISCONNECTED"))
}

func TestRoundTripTextAndLight(t *testing.T) {
	text := property.Must(property.NewText("CCD", "INFO", "Main", "Info", property.Idle, property.ReadOnly, 1))
	text.Items[0].InitText("DEVICE_NAME", "Name", "CCD <Simulator> & co")
	out := roundTrip(t, &Msg{Kind: Define, Property: text}, property.Version2)
	assert.Equal(t, property.ReadOnly, out.Property.Perm)
	assert.Equal(t, "CCD <Simulator> & co", out.Property.Items[0].Text().Value)

	light := property.Must(property.NewLight("Dome", "STATUS", "Main", "Status", property.Ok, 2))
	light.Items[0].InitLight("MOTOR", "Motor", property.Busy)
	light.Items[1].InitLight("SHUTTER", "Shutter", property.Alert)
	out = roundTrip(t, &Msg{Kind: Update, Property: light}, property.Version2)
	assert.Equal(t, property.Busy, out.Property.Items[0].Light().State)
	assert.Equal(t, property.Alert, out.Property.Items[1].Light().State)
}

func TestRoundTripBlob(t *testing.T) {
	p := property.Must(property.NewBlob("CCD", "CCD_IMAGE", "Image", "Image", property.Ok, 1))
	p.Items[0].InitBlob("IMAGE", "Image")
	require.NoError(t, p.SetBlob(&p.Items[0], []byte{0, 1, 2, 3, 0xff}, ".raw"))

	data, err := Marshal(&Msg{Kind: Update, Property: p}, property.Version2)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<setBLOBVector ")
	assert.Contains(t, string(data), `size="5"`)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	b := out.Property.Items[0].Blob()
	assert.Equal(t, []byte{0, 1, 2, 3, 0xff}, b.Content)
	assert.Equal(t, ".raw", b.Format)
	assert.Equal(t, 5, b.Size)
}

func TestDecodeSexagesimal(t *testing.T) {
	doc := `<newNumberVector device="Mount" name="COORDS">
  <oneNumber name="RA">12:30:00</oneNumber>
  <oneNumber name="DEC">-45:30</oneNumber>
</newNumberVector>`
	m, err := Unmarshal([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, New, m.Kind)
	assert.InDelta(t, 12.5, m.Property.Items[0].Number().Value, 1e-9)
	assert.InDelta(t, -45.5, m.Property.Items[1].Number().Value, 1e-9)
}

func TestDecodeStream(t *testing.T) {
	stream := `<getProperties version="2.0"/>
<unknownThing foo="bar"/>
<newSwitchVector device="CCD" name="CONNECTION"><oneSwitch name="CONNECTED">On</oneSwitch></newSwitchVector>
<enableBLOB device="CCD">Never</enableBLOB>`
	dec := NewDecoder(strings.NewReader(stream))

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, GetProperties, m.Kind)
	assert.Equal(t, property.Version2, m.Version)
	assert.Nil(t, m.Filter())

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, New, m.Kind)
	assert.True(t, m.Property.IsOn("CONNECTED"))

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, EnableBlob, m.Kind)
	assert.Equal(t, property.BlobNever, m.Mode)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad switch", `<newSwitchVector device="D" name="P"><oneSwitch name="A">Maybe</oneSwitch></newSwitchVector>`},
		{"bad number", `<newNumberVector device="D" name="P"><oneNumber name="A">abc</oneNumber></newNumberVector>`},
		{"bad state", `<setLightVector device="D" name="P" state="Green"/>`},
		{"missing device", `<newTextVector name="P"/>`},
		{"bad blob mode", `<enableBLOB>Sometimes</enableBLOB>`},
		{"item without name", `<newTextVector device="D" name="P"><oneText>x</oneText></newTextVector>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestDocumentTooLarge(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<newTextVector device="D" name="P"><oneText name="T">`)
	for b.Len() < MaxDocumentSize+10 {
		b.WriteString("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	}
	b.WriteString(`</oneText></newTextVector>`)

	_, err := NewDecoder(strings.NewReader(b.String())).Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMessageTooLarge), err)
}

func TestDocumentSizeBoundIsExact(t *testing.T) {
	doc := func(size int) string {
		head, tail := `<newTextVector device="D" name="P"><oneText name="T">`, `</oneText></newTextVector>`
		return head + strings.Repeat("x", size-len(head)-len(tail)) + tail
	}

	tests := []struct {
		name     string
		size     int
		tooLarge bool
	}{
		{"well below", 200, false},
		{"at the bound", 1000, false},
		{"one byte over", 1001, true},
		{"past the read ahead", 1000 + 2*4096, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(doc(tt.size)))
			d.SetMaxDocumentSize(1000)
			m, err := d.Decode()
			if tt.tooLarge {
				assert.ErrorIs(t, err, ErrMessageTooLarge)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, New, m.Kind)
		})
	}
}

func TestDocumentBoundAppliesPerDocument(t *testing.T) {
	one := `<getProperties version="2.0" device="CCD"/>` + "\n"
	d := NewDecoder(strings.NewReader(strings.Repeat(one, 200)))
	d.SetMaxDocumentSize(int64(len(one)))

	for i := 0; i < 200; i++ {
		m, err := d.Decode()
		require.NoError(t, err, "document %d", i)
		assert.Equal(t, GetProperties, m.Kind)
	}
	_, err := d.Decode()
	assert.ErrorIs(t, err, io.EOF)
}
