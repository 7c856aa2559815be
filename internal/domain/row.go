package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Column names of the backing table header row.
const (
	ColumnPhone      = "Phone"
	ColumnMessage    = "Message"
	ColumnTimestamp  = "Timestamp"
	ColumnIsOutbound = "isOutbound"

	FlagInbound  = "0"
	FlagOutbound = "1"
)

// Header is the header row written at the top of the backing table.
var Header = []string{ColumnPhone, ColumnMessage, ColumnTimestamp, ColumnIsOutbound}

// timeColumnAliases covers exports whose timestamp column is titled "Time".
var timeColumnAliases = []string{ColumnTimestamp, "Time"}

// Convention selects how rows are encoded on write and decoded on read.
// Exactly one is active per deployment.
type Convention string

const (
	// ConventionFlag stores the recipient phone and carries direction in the
	// isOutbound column.
	ConventionFlag Convention = "flag"
	// ConventionPrefix stores outbound rows under the bot identifier with the
	// text "<phone> - <message>".
	ConventionPrefix Convention = "prefix"
)

// ParseConvention maps a config value to a Convention. Empty means flag.
func ParseConvention(s string) (Convention, error) {
	switch Convention(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConventionFlag:
		return ConventionFlag, nil
	case ConventionPrefix:
		return ConventionPrefix, nil
	default:
		return "", fmt.Errorf("domain: unknown row convention %q", s)
	}
}

var prefixPattern = regexp.MustCompile(`(?s)^(\d+) - (.*)$`)

// Codec encodes outbound messages into table rows and decodes rows back into
// messages under a single convention.
type Codec struct {
	Convention Convention
	// BotID is the phone column value used for outbound rows under the
	// prefix convention.
	BotID string
}

// ErrRecipientNotNumeric is returned by Recipient when the prefix convention
// cannot encode the recipient so that it decodes back to the same phone.
var ErrRecipientNotNumeric = errors.New("domain: recipient must be digits under the prefix convention")

// Recipient normalizes a send target for the active convention. Under the
// prefix convention a leading "+" is dropped and the rest must be digits;
// the flag convention stores the recipient as given.
func (c Codec) Recipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if c.Convention != ConventionPrefix {
		return to, nil
	}
	digits := strings.TrimPrefix(to, "+")
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return "", ErrRecipientNotNumeric
	}
	return digits, nil
}

// EncodeOutbound returns the four-column row logged after a successful send.
func (c Codec) EncodeOutbound(to, text string, ts int64) []string {
	stamp := strconv.FormatInt(ts, 10)
	if c.Convention == ConventionPrefix {
		return []string{c.BotID, to + " - " + text, stamp, FlagOutbound}
	}
	return []string{to, text, stamp, FlagOutbound}
}

// Record is a raw row keyed by header column name.
type Record map[string]string

// ErrMissingPhone is returned by Decode for rows that cannot be attributed
// to any conversation.
var ErrMissingPhone = errors.New("domain: row has no phone")

// TimestampError reports an unparseable timestamp. The message returned
// alongside it is still usable with Timestamp zero.
type TimestampError struct {
	Phone string
	Raw   string
	Err   error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("domain: row %s timestamp %q: %v", e.Phone, e.Raw, e.Err)
}

func (e *TimestampError) Unwrap() error { return e.Err }

// Decode normalizes a record under the codec's convention.
func (c Codec) Decode(r Record) (Message, error) {
	phone := strings.TrimSpace(r[ColumnPhone])
	if phone == "" {
		return Message{}, ErrMissingPhone
	}
	msg := Message{Phone: phone, Text: r[ColumnMessage]}

	var tsErr error
	raw := ""
	for _, col := range timeColumnAliases {
		if v, ok := r[col]; ok {
			raw = strings.TrimSpace(v)
			break
		}
	}
	if raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			tsErr = &TimestampError{Phone: phone, Raw: raw, Err: err}
		} else {
			msg.Timestamp = n
		}
	}

	switch c.Convention {
	case ConventionPrefix:
		msg.Direction = Inbound
		if c.BotID != "" && phone == c.BotID {
			if m := prefixPattern.FindStringSubmatch(msg.Text); m != nil {
				msg.Phone = m[1]
				msg.Text = m[2]
				msg.Direction = Outbound
			}
		}
	default:
		if strings.TrimSpace(r[ColumnIsOutbound]) == FlagOutbound {
			msg.Direction = Outbound
		}
	}
	return msg, tsErr
}

// RecordFromRow keys a positional row by the canonical header. Missing
// trailing columns are left empty.
func RecordFromRow(row []string) Record {
	rec := make(Record, len(Header))
	for i, col := range Header {
		if i < len(row) {
			rec[col] = row[i]
		}
	}
	return rec
}
