package fetch

// Byte classification tables. The upstream toolchain generates these as
// string constants; building them at package init keeps them reviewable
// against the RFC grammars they encode.

const toLower = 'a' - 'A'

var hex2intTable = func() [256]byte {
	var b [256]byte
	for i := 0; i < 256; i++ {
		c := byte(16)
		if i >= '0' && i <= '9' {
			c = byte(i) - '0'
		} else if i >= 'a' && i <= 'f' {
			c = byte(i) - 'a' + 10
		} else if i >= 'A' && i <= 'F' {
			c = byte(i) - 'A' + 10
		}
		b[i] = c
	}
	return b
}()

var toUpperTable = func() [256]byte {
	var a [256]byte
	for i := 0; i < 256; i++ {
		c := byte(i)
		if c >= 'a' && c <= 'z' {
			c -= toLower
		}
		a[i] = c
	}
	return a
}()

// quotedArgShouldEscapeTable marks bytes needing percent-encoding in
// urlencoded form arguments, per RFC 3986 section 2.3: everything except
// ALPHA / DIGIT / "-" / "." / "_" / "~".
var quotedArgShouldEscapeTable = func() [256]byte {
	var a [256]byte
	for i := 0; i < 256; i++ {
		a[i] = 1
	}
	for i := int('a'); i <= int('z'); i++ {
		a[i] = 0
	}
	for i := int('A'); i <= int('Z'); i++ {
		a[i] = 0
	}
	for i := int('0'); i <= int('9'); i++ {
		a[i] = 0
	}
	for _, v := range `-_.~` {
		a[v] = 0
	}
	return a
}()

// validHeaderFieldByteTable matches net/textproto's header field name rules.
// Defined by RFC 7230 and 9110:
//
//	header-field   = field-name ":" OWS field-value OWS
//	field-name     = token
//	tchar = "!" / "#" / "$" / "%" / "&" / "'" / "*" / "+" / "-" / "." /
//	        "^" / "_" / "`" / "|" / "~" / DIGIT / ALPHA
//	token = 1*tchar
var validHeaderFieldByteTable = func() [128]byte {
	var table [128]byte
	for c := 0; c < 128; c++ {
		if (c >= '0' && c <= '9') ||
			(c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			c == '!' || c == '#' || c == '$' || c == '%' || c == '&' ||
			c == '\'' || c == '*' || c == '+' || c == '-' || c == '.' ||
			c == '^' || c == '_' || c == '`' || c == '|' || c == '~' {
			table[c] = 1
		}
	}
	return table
}()

// validHeaderValueByteTable matches net/textproto's header value rules.
// Defined by RFC 7230 and 9110:
//
//	field-content  = field-vchar [ 1*( SP / HTAB ) field-vchar ]
//	field-vchar    = VCHAR / obs-text
//	obs-text       = %x80-FF
//
// RFC 5234:
//
//	HTAB           =  %x09
//	SP             =  %x20
//	VCHAR          =  %x21-7E
var validHeaderValueByteTable = func() [256]byte {
	var table [256]byte
	for c := 0; c < 256; c++ {
		if (c >= 0x21 && c <= 0x7E) || // VCHAR
			c == 0x20 || // SP
			c == 0x09 || // HTAB
			c >= 0x80 { // obs-text
			table[c] = 1
		}
	}
	return table
}()

// validMethodValueByteTable marks bytes allowed in request methods: token
// characters per RFC 7230, same set net/http accepts.
var validMethodValueByteTable = func() [256]byte {
	var table [256]byte
	for c := 0; c < 128; c++ {
		if validHeaderFieldByteTable[c] == 1 {
			table[c] = 1
		}
	}
	return table
}()

// validHeaderFieldByte reports whether c may appear in a header field name
// as defined by RFC 7230.
func validHeaderFieldByte(c byte) bool {
	return c < 128 && validHeaderFieldByteTable[c] == 1
}

// validHeaderValueByte reports whether c may appear in a header value
// as defined by RFC 7230.
func validHeaderValueByte(c byte) bool {
	return validHeaderValueByteTable[c] == 1
}

func validMethodValueByte(c byte) bool {
	return validMethodValueByteTable[c] == 1
}
