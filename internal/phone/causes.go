package phone

import "github.com/dennisdiepolder/monti/webphone/internal/types"

type causeEntry struct {
	category types.CauseCategory
	title    string
	// titleFor overrides title when the wording depends on direction
	titleFor func(dir types.Direction) string
}

var causeTable = map[types.Cause]causeEntry{
	// Generic
	types.CauseConnectionError: {category: types.CategoryGeneric, title: "Error 2201"},
	types.CauseRequestTimeout:  {category: types.CategoryGeneric, title: "Error 2202"},
	types.CauseSIPFailureCode:  {category: types.CategoryGeneric, title: "Error 2203"},
	types.CauseInternalError:   {category: types.CategoryGeneric, title: "Error 2204"},

	// SIP
	types.CauseBusy: {category: types.CategorySIP, title: "Busy"},
	types.CauseRejected: {category: types.CategorySIP, titleFor: func(dir types.Direction) string {
		if dir == types.DirectionOutbound {
			return "Rejected"
		}
		return "Call Ended"
	}},
	types.CauseRedirected:          {category: types.CategorySIP, title: "Redirected"},
	types.CauseUnavailable:         {category: types.CategorySIP, title: "Not Found"},
	types.CauseNotFound:            {category: types.CategorySIP, title: "Not Found"},
	types.CauseAddressIncomplete:   {category: types.CategorySIP, title: "Address Incomplete"},
	types.CauseIncompatibleSDP:     {category: types.CategorySIP, title: "Error 3301"},
	types.CauseMissingSDP:          {category: types.CategorySIP, title: "Error 3302"},
	types.CauseAuthenticationError: {category: types.CategorySIP, title: "Error 3303"},

	// Session
	types.CauseBye:                   {category: types.CategorySession, title: "Call Ended"},
	types.CauseWebRTCError:           {category: types.CategorySession, title: "Error 4401"},
	types.CauseCanceled:              {category: types.CategorySession, title: "Cancelled"},
	types.CauseNoAnswer:              {category: types.CategorySession, title: "No Answer"},
	types.CauseExpires:               {category: types.CategorySession, title: "Error 4402"},
	types.CauseNoACK:                 {category: types.CategorySession, title: "Error 4403"},
	types.CauseDialogError:           {category: types.CategorySession, title: "Error 4404"},
	types.CauseUserDeniedMediaAccess: {category: types.CategorySession, title: "Error 4405"},
	types.CauseBadMediaDescription:   {category: types.CategorySession, title: "Error 4406"},
	types.CauseRTPTimeout:            {category: types.CategorySession, title: "Error 4407"},
}

// Describe maps a termination cause to its category and display title.
// Causes outside the table keep their raw text as the title.
func Describe(cause types.Cause, dir types.Direction, originator types.Originator) types.Termination {
	t := types.Termination{Cause: cause, Originator: originator, Title: string(cause)}
	entry, ok := causeTable[cause]
	if !ok {
		return t
	}
	t.Category = entry.category
	t.Title = entry.title
	if entry.titleFor != nil {
		t.Title = entry.titleFor(dir)
	}
	return t
}
