package xblbeacon

import (
	"reflect"
	"testing"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/xblbeacon/internal/config"
)

func TestDefaultConfigTOMLMatchesDefaults(t *testing.T) {
	if len(DefaultConfigTOML) == 0 {
		t.Fatal("DefaultConfigTOML is empty")
	}

	got := &config.Config{}
	if _, err := toml.Decode(string(DefaultConfigTOML), got); err != nil {
		t.Fatalf("decode embedded config: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("embedded config fails validation: %v", err)
	}

	want := config.DefaultConfig()
	// An empty TOML array and an empty Go slice compare unequal under
	// DeepEqual when one side is nil.
	if len(got.Privacy.HiddenGames) == 0 && len(want.Privacy.HiddenGames) == 0 {
		got.Privacy.HiddenGames, want.Privacy.HiddenGames = nil, nil
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("embedded config differs from DefaultConfig()\n got: %+v\nwant: %+v", got, want)
	}
}
