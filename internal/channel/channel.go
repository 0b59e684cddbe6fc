package channel

type Channel interface {
	Start() error
}
