package notify

import "fmt"

// Restrictions quoted in security notices.
const (
	RestrictionExternal     = "Message received from an external source"
	RestrictionUnauthorized = "Request not accepted: sender not from inf-sec"
	RestrictionNotOperator  = "Control request not accepted: sender is not the operator mailbox"
	RestrictionRateLimited  = "Request not accepted: too many requests from sender"
)

const messageDivider = "\r\n\r\n----------MESSAGE----------\r\n\r\n"

// Accepted announces a new ticket.
func Accepted(mac, tracker string) Message {
	return Message{
		Subject: mac + " request accepted",
		Body:    fmt.Sprintf("%s request accepted, TRACKER: %s", mac, tracker),
	}
}

// Finished reports a ticket's result with its log attached.
func Finished(result, mac, logName string, log []byte) Message {
	return Message{
		Subject:     result + " " + mac,
		Attachments: []Attachment{{Name: logName, Data: log}},
	}
}

// SecurityNotice reports a rejected message to the operators.
func SecurityNotice(from, restriction, body string) Message {
	return Message{
		Subject: "Security notice. Message from: " + from,
		Body:    restriction + messageDivider + body,
	}
}

// RequestError tells the requester a control request could not be served.
func RequestError(to, reason, body string) Message {
	return Message{
		To:      []string{to},
		Subject: "Error, such request does not exist",
		Body:    reason + messageDivider + body,
	}
}

// Report sends the logs of running tickets to the requester.
func Report(to string, logs []Attachment) Message {
	if len(logs) == 0 {
		return Message{To: []string{to}, Subject: "There are currently no requests being processed"}
	}
	return Message{
		To:          []string{to},
		Subject:     "Logs of current requests in an attachment",
		Body:        "Logs of current requests in an attachment",
		Attachments: logs,
	}
}
