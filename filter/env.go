package filter

/*
Here the Env used in the view filters is defined.
Once this struct is fixed, it should not be changed, otherwise filters stored in user configurations may not
compile any more (f.e. if properties are renamed etc.)
*/

type User struct {
	Id   string
	Name string
	Role string
}

type Env struct {
	Sender  User
	Me      User
	Body    string
	Created int64 // unix seconds
	IsReply bool
	Read    bool
	Mention bool // the body mentions the current user by name

	Lower func(string) string
}
