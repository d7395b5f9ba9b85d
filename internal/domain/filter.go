package domain

import (
	"fmt"
	"sort"
	"time"
)

// Subscription status filter values
const (
	SubscriptionAll           = "all"
	SubscriptionSubscribed    = "subscribed"
	SubscriptionNonSubscribed = "non-subscribed"
)

// CampaignFilter is the declarative audience filter of a filtered campaign.
// All set fields are AND-ed; an absent field imposes no constraint. The same
// predicate drives preview and enrollment so the estimate never drifts from
// the actual enrolled count.
type CampaignFilter struct {
	Countries             []string   `json:"countries,omitempty"`
	RegisteredFrom        *time.Time `json:"registered_from,omitempty"`
	RegisteredTo          *time.Time `json:"registered_to,omitempty"`
	SubscriptionStatus    string     `json:"subscription_status,omitempty"` // all, subscribed, non-subscribed
	HasUnpaidReferrals    bool       `json:"has_unpaid_referrals,omitempty"`
	ExcludeCurrentTargets bool       `json:"exclude_current_targets,omitempty"`
}

// Validate rejects malformed filters before they reach preview or
// enrollment. A failing filter fails both paths identically.
func (f *CampaignFilter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range f.Countries {
		if len(c) != 2 {
			return fmt.Errorf("invalid country code: %q (expected ISO 3166-1 alpha-2)", c)
		}
	}
	if f.RegisteredFrom != nil && f.RegisteredTo != nil && f.RegisteredTo.Before(*f.RegisteredFrom) {
		return fmt.Errorf("registered_to is before registered_from")
	}
	switch f.SubscriptionStatus {
	case "", SubscriptionAll, SubscriptionSubscribed, SubscriptionNonSubscribed:
	default:
		return fmt.Errorf("invalid subscription_status: %q", f.SubscriptionStatus)
	}
	return nil
}

// Matches is the single audience predicate shared by preview and enrollment.
func (f *CampaignFilter) Matches(c *Candidate) bool {
	if f == nil {
		return true
	}
	if len(f.Countries) > 0 {
		found := false
		for _, country := range f.Countries {
			if country == c.Country {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RegisteredFrom != nil && c.RegisteredAt.Before(*f.RegisteredFrom) {
		return false
	}
	if f.RegisteredTo != nil && c.RegisteredAt.After(*f.RegisteredTo) {
		return false
	}
	switch f.SubscriptionStatus {
	case SubscriptionSubscribed:
		if !c.Subscribed {
			return false
		}
	case SubscriptionNonSubscribed:
		if c.Subscribed {
			return false
		}
	}
	if f.HasUnpaidReferrals && c.UnpaidReferrals == 0 {
		return false
	}
	if f.ExcludeCurrentTargets && c.HasActiveTarget {
		return false
	}
	return true
}

// Select applies the predicate to a candidate set and returns the matches
// ordered by registration date descending (newest first), the ordering the
// operator sees in preview samples.
func (f *CampaignFilter) Select(candidates []*Candidate) []*Candidate {
	var matched []*Candidate
	for _, c := range candidates {
		if f.Matches(c) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RegisteredAt.After(matched[j].RegisteredAt)
	})
	return matched
}

// PreviewSampleSize caps the sample returned alongside the total count.
const PreviewSampleSize = 5

// Preview evaluates the filter without mutating anything.
func (f *CampaignFilter) Preview(candidates []*Candidate) *PreviewResult {
	matched := f.Select(candidates)
	sample := matched
	if len(sample) > PreviewSampleSize {
		sample = sample[:PreviewSampleSize]
	}
	return &PreviewResult{TotalCount: len(matched), SampleUsers: sample}
}
