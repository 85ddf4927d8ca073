package dategate

import "testing"

func TestPass(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		window []string
		want   bool
	}{
		{"empty text", "", nil, false},
		{"explicit date", "Am 18.02. ist Romys Geburtstag", nil, true},
		{"explicit time", "Wir treffen uns um 13:45", nil, true},
		{"weekday", "Dienstag ist Training", nil, true},
		{"relative phrase", "Kommst du morgen vorbei?", nil, true},
		{"event noun only", "Wann ist der Zahnarzttermin?", nil, true},
		{"bare time no question in window", "13:45", []string{"ok, bis gleich"}, false},
		{"bare time after question", "13:45", []string{"Wann kommt Enno morgen?"}, true},
		{"bare date after question", "18.02.", []string{"Wann genau ist die Feier?"}, true},
		{"no signal at all", "Kannst du Milch mitbringen?", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pass(tt.text, tt.window); got != tt.want {
				t.Errorf("Pass(%q, %v) = %v, want %v", tt.text, tt.window, got, tt.want)
			}
		})
	}
}
