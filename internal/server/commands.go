package server

import (
	"strings"
)

// Numeric replies.
const (
	rplWelcome          = "001"
	rplYourHost         = "002"
	rplCreated          = "003"
	rplMyInfo           = "004"
	rplLinks            = "364"
	rplEndOfLinks       = "365"
	errUnknownCommand   = "421"
	errNoNicknameGiven  = "431"
	errErroneusNickname = "432"
	errNicknameInUse    = "433"
	errNeedMoreParams   = "461"
	errAlreadyRegistred = "462"
	errNotRegistered    = "451"
	errNoOrigin         = "409"
)

const maxNickLength = 30

// message is a parsed line. Only the shape needed to route it is parsed.
type message struct {
	command string
	params  []string
}

// parseMessage splits a line into its command and parameters. A leading
// source prefix is discarded.
func parseMessage(line string) (msg message, ok bool) {
	line = strings.TrimLeft(line, " ")
	if strings.HasPrefix(line, ":") {
		i := strings.IndexByte(line, ' ')
		if i < 0 {
			return msg, false
		}
		line = strings.TrimLeft(line[i+1:], " ")
	}
	for line != "" {
		if line[0] == ':' {
			if msg.command != "" {
				msg.params = append(msg.params, line[1:])
				break
			}
			return msg, false
		}
		var field string
		if i := strings.IndexByte(line, ' '); i >= 0 {
			field, line = line[:i], strings.TrimLeft(line[i+1:], " ")
		} else {
			field, line = line, ""
		}
		if msg.command == "" {
			msg.command = strings.ToUpper(field)
		} else {
			msg.params = append(msg.params, field)
		}
	}
	return msg, msg.command != ""
}

func (s *Server) handleLine(c *client, line string) {
	msg, ok := parseMessage(line)
	if !ok {
		return
	}

	switch msg.command {
	case "PING":
		if len(msg.params) == 0 {
			s.numeric(c, errNoOrigin, "No origin specified")
			return
		}
		s.send(c, ":"+s.cfg.Server.Name+" PONG "+s.cfg.Server.Name+" :"+msg.params[0])
	case "PONG":
	case "NICK":
		s.handleNick(c, msg.params)
	case "USER":
		s.handleUser(c, msg.params)
	case "QUIT":
		reason := "Client Quit"
		if len(msg.params) != 0 && msg.params[0] != "" {
			reason = "Quit: " + msg.params[0]
		}
		s.sendError(c, reason)
		s.quit(c, reason)
	case "LINKS":
		if !c.welcomed {
			s.numeric(c, errNotRegistered, "You have not registered")
			return
		}
		name := s.cfg.Server.Name
		s.numeric(c, rplLinks, name+" "+name, "0 "+name)
		s.numeric(c, rplEndOfLinks, "*", "End of /LINKS list.")
	default:
		if !c.welcomed {
			s.numeric(c, errNotRegistered, "You have not registered")
			return
		}
		s.numeric(c, errUnknownCommand, msg.command, "Unknown command")
	}
}

// numeric sends a numeric reply. The last argument is the trailing parameter.
func (s *Server) numeric(c *client, code string, args ...string) {
	var b strings.Builder
	b.WriteString(":")
	b.WriteString(s.cfg.Server.Name)
	b.WriteString(" ")
	b.WriteString(code)
	b.WriteString(" ")
	b.WriteString(c.target())
	for i, arg := range args {
		b.WriteString(" ")
		if i == len(args)-1 {
			b.WriteString(":")
		}
		b.WriteString(arg)
	}
	s.send(c, b.String())
}

func (s *Server) notice(c *client, text string) {
	s.send(c, ":"+s.cfg.Server.Name+" NOTICE "+c.target()+" :*** "+text)
}

func (s *Server) handleNick(c *client, params []string) {
	if len(params) == 0 || params[0] == "" {
		s.numeric(c, errNoNicknameGiven, "No nickname given")
		return
	}
	nick := params[0]
	if !validNick(nick) {
		s.numeric(c, errErroneusNickname, nick, "Erroneous nickname")
		return
	}
	folded := foldNick(nick)
	if other, ok := s.nicks[folded]; ok {
		if other != c {
			s.numeric(c, errNicknameInUse, nick, "Nickname is already in use")
			return
		}
	}

	if c.nick != "" {
		delete(s.nicks, foldNick(c.nick))
	}
	if c.welcomed {
		s.send(c, ":"+c.prefix()+" NICK :"+nick)
	}
	c.nick = nick
	s.nicks[folded] = c

	s.register(c)
}

func (s *Server) handleUser(c *client, params []string) {
	if c.welcomed || c.user != "" {
		s.numeric(c, errAlreadyRegistred, "You may not reregister")
		return
	}
	if len(params) < 4 || params[0] == "" {
		s.numeric(c, errNeedMoreParams, "USER", "Not enough parameters")
		return
	}
	c.user = params[0]
	if len(c.user) > 10 {
		c.user = c.user[:10]
	}
	c.realname = params[3]

	s.register(c)
}

// register welcomes the client, once it has a nick and user, and its
// hostname lookup is complete.
func (s *Server) register(c *client) {
	if c.welcomed || c.nick == "" || c.user == "" || c.lookup {
		return
	}
	c.welcomed = true

	name := s.cfg.Server.Name
	s.numeric(c, rplWelcome, "Welcome to the Internet Relay Network "+c.prefix())
	s.numeric(c, rplYourHost, "Your host is "+name+", running version "+Version)
	s.numeric(c, rplCreated, "This server was created "+s.started.UTC().Format("Mon Jan 2 2006 at 15:04:05 MST"))
	s.numeric(c, rplMyInfo, name, Version, "i", "n")

	s.logger.Info().
		Stringer("client", c.id).
		Str("nick", c.nick).
		Str("host", c.host).
		Log("client registered")
}

// foldNick is the case-insensitive form of a nickname, using the rfc1459
// mapping.
func foldNick(nick string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		default:
			return r
		}
	}, nick)
}

func validNick(nick string) bool {
	if len(nick) > maxNickLength {
		return false
	}
	for i := 0; i < len(nick); i++ {
		b := nick[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		case strings.IndexByte("[]\\`_^{|}", b) >= 0:
		case i != 0 && (b >= '0' && b <= '9' || b == '-'):
		default:
			return false
		}
	}
	return true
}
