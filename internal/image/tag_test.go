// Copyright Contributors to the Nublado project

//go:build !integration

package image

import (
	"testing"
)

func TestParseTag(t *testing.T) {
	aliases := map[string]bool{"recommended": true}

	tests := []struct {
		name        string
		tag         string
		wantType    TagType
		wantDisplay string
	}{
		{
			name:        "release",
			tag:         "r23_0_1",
			wantType:    TagRelease,
			wantDisplay: "Release r23.0.1",
		},
		{
			name:        "release candidate",
			tag:         "r23_0_0_rc1",
			wantType:    TagCandidate,
			wantDisplay: "Release Candidate r23.0.0-rc1",
		},
		{
			name:        "weekly",
			tag:         "w_2077_43",
			wantType:    TagWeekly,
			wantDisplay: "Weekly 2077_43",
		},
		{
			name:        "daily",
			tag:         "d_2077_10_23",
			wantType:    TagDaily,
			wantDisplay: "Daily 2077_10_23",
		},
		{
			name:        "configured alias",
			tag:         "recommended",
			wantType:    TagAlias,
			wantDisplay: "Recommended",
		},
		{
			name:        "latest substring is alias",
			tag:         "latest_weekly",
			wantType:    TagAlias,
			wantDisplay: "Latest Weekly",
		},
		{
			name:        "experimental wrapping weekly",
			tag:         "exp_w_2077_43",
			wantType:    TagExperimental,
			wantDisplay: "Experimental Weekly 2077_43",
		},
		{
			name:        "experimental wrapping junk",
			tag:         "exp_random_string",
			wantType:    TagExperimental,
			wantDisplay: "Experimental random_string",
		},
		{
			name:        "unknown",
			tag:         "not_a_known_format",
			wantType:    TagUnknown,
			wantDisplay: "not_a_known_format",
		},
		{
			name:        "weekly with cycle",
			tag:         "w_2077_43_c0045.003",
			wantType:    TagWeekly,
			wantDisplay: "Weekly 2077_43 (SAL Cycle 0045, Build 003)",
		},
		{
			name:        "release with rsp build",
			tag:         "r23_0_1_rsp27",
			wantType:    TagRelease,
			wantDisplay: "Release r23.0.1 (RSP Build 27)",
		},
		{
			name:        "weekly with residual extra",
			tag:         "w_2077_43_whatever",
			wantType:    TagWeekly,
			wantDisplay: "Weekly 2077_43 [whatever]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTag(tt.tag, aliases)
			if got.Type != tt.wantType {
				t.Errorf("ParseTag(%q).Type = %s, want %s", tt.tag, got.Type, tt.wantType)
			}
			if got.DisplayName != tt.wantDisplay {
				t.Errorf("ParseTag(%q).DisplayName = %q, want %q", tt.tag, got.DisplayName, tt.wantDisplay)
			}
			if got.Tag != tt.tag {
				t.Errorf("ParseTag(%q).Tag = %q, round trip broken", tt.tag, got.Tag)
			}
		})
	}
}

func TestParseTagCycleFields(t *testing.T) {
	tag := ParseTag("w_2077_43_c0045.003", nil)
	if tag.Cycle == nil || *tag.Cycle != 45 {
		t.Errorf("Cycle = %v, want 45", tag.Cycle)
	}
	if tag.CycleBuild == nil || *tag.CycleBuild != 3 {
		t.Errorf("CycleBuild = %v, want 3", tag.CycleBuild)
	}
}

func TestCompareSameType(t *testing.T) {
	tests := []struct {
		name    string
		newer   string
		older   string
	}{
		{name: "releases by version", newer: "r24_0_0", older: "r23_9_9"},
		{name: "weeklies by year then week", newer: "w_2078_01", older: "w_2077_52"},
		{name: "dailies by date", newer: "d_2077_10_23", older: "d_2077_09_30"},
		{name: "candidates by rc number", newer: "r23_0_0_rc2", older: "r23_0_0_rc1"},
		{name: "rsp build breaks version tie", newer: "r23_0_1_rsp28", older: "r23_0_1_rsp27"},
		{name: "cycle breaks version tie", newer: "w_2077_43_c0046.001", older: "w_2077_43_c0045.003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ParseTag(tt.newer, nil)
			b := ParseTag(tt.older, nil)

			got, err := a.Compare(b)
			if err != nil {
				t.Fatalf("Compare error = %v", err)
			}
			if got <= 0 {
				t.Errorf("Compare(%q, %q) = %d, want > 0", tt.newer, tt.older, got)
			}

			rev, err := b.Compare(a)
			if err != nil {
				t.Fatalf("reverse Compare error = %v", err)
			}
			if rev >= 0 {
				t.Errorf("Compare(%q, %q) = %d, want < 0", tt.older, tt.newer, rev)
			}

			self, err := a.Compare(a)
			if err != nil || self != 0 {
				t.Errorf("Compare(%q, itself) = %d, %v, want 0, nil", tt.newer, self, err)
			}
		})
	}
}

func TestCompareAcrossTypesErrors(t *testing.T) {
	release := ParseTag("r23_0_1", nil)
	weekly := ParseTag("w_2077_43", nil)

	if _, err := release.Compare(weekly); err == nil {
		t.Error("Compare across release and weekly returned nil error")
	}
	if _, err := weekly.Compare(release); err == nil {
		t.Error("Compare across weekly and release returned nil error")
	}
}

func TestSanitizeTag(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{tag: "d_2077_10_23", want: "d-2077-10-23"},
		{tag: "W_2077_43", want: "w-2077-43"},
		{tag: "exp_w_2077_43_c0045.003", want: "exp-w-2077-43-c0045-003"},
	}
	for _, tt := range tests {
		if got := SanitizeTag(tt.tag); got != tt.want {
			t.Errorf("SanitizeTag(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}
